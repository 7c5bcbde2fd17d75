package tuning

import "github.com/santhosh-tekuri/jsonschema/v5"

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "worlds": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "whitelist": {"type": "array", "items": {"type": "string"}}
      }
    },
    "antixray": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "protection_level": {"type": "number"},
        "hide_below_level": {"type": "integer"},
        "hysteresis": {"type": "boolean"},
        "transition_band": {"type": "number", "minimum": 0},
        "world_top": {"type": "integer"},
        "replacement": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
        "limited_area": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "chunk_radius": {"type": "integer", "minimum": 0}
          }
        }
      }
    },
    "settings": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "refresh_cooldown_millis": {"type": "integer", "minimum": 0},
        "debug": {"type": "boolean"}
      }
    },
    "performance": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_areas_per_tick": {"type": "integer", "minimum": 1},
        "refresh_radius": {"type": "integer", "minimum": 0, "maximum": 32},
        "reduced_client_radius": {"type": "integer", "minimum": 0, "maximum": 32},
        "full_tps": {"type": "number", "minimum": 0},
        "reduced_tps": {"type": "number", "minimum": 0},
        "dedupe_millis": {"type": "integer", "minimum": 0}
      }
    },
    "host": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "mode": {"enum": ["single", "regionized"]},
        "tick_rate_hz": {"type": "integer", "minimum": 1, "maximum": 100},
        "region_shift": {"type": "integer", "minimum": 1, "maximum": 10},
        "worlds": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["name"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "seed": {"type": "integer"},
              "min_y": {"type": "integer"},
              "height": {"type": "integer", "minimum": 16},
              "sea_level": {"type": "integer"},
              "boundary_r": {"type": "integer", "minimum": 0}
            }
          }
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("tuning.schema.json", schemaJSON)
