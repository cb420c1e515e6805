package project

import "github.com/xeipuuv/gojsonschema"

// Schema is the JSON schema for project files. Groups other than
// modelSettings may be absent; their defaults apply.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["modelSettings"],
  "properties": {
    "modelSettings": {
      "type": "object",
      "required": ["interpolationFactor", "dFactor", "radiusModifier"],
      "properties": {
        "interpolationFactor": {"type": "number"},
        "dFactor": {"type": "number"},
        "dFactorRestrict": {"type": "boolean"},
        "radiusModifier": {"type": "number"},
        "enforceIsotropy": {"type": "boolean"}
      }
    },
    "optimizationSettings": {
      "type": "object",
      "properties": {
        "optimizationActive": {"type": "boolean"},
        "optimizationMaxIterations": {"type": "integer", "minimum": 0},
        "error0Weight": {"type": "number"},
        "error1Weight": {"type": "number"},
        "error2Weight": {"type": "number"},
        "error3Weight": {"type": "number"},
        "optimizeInterpolationFactor": {"type": "boolean"},
        "optimizeDFactor": {"type": "boolean"},
        "optimizeRadiusModifier": {"type": "boolean"}
      }
    },
    "imageSettings": {
      "type": "object",
      "properties": {
        "imageActive": {"type": "boolean"},
        "imageRotation": {"type": "number"},
        "verticalShift": {"type": "number"},
        "cropTop": {"type": "number", "minimum": 0, "maximum": 0.95},
        "cropBottom": {"type": "number", "minimum": 0, "maximum": 0.95},
        "cropRight": {"type": "number", "minimum": 0, "maximum": 0.95},
        "cropLeft": {"type": "number", "minimum": 0, "maximum": 0.95},
        "previewScale": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "gridSettings": {
      "type": "object",
      "properties": {
        "gridActive": {"type": "boolean"},
        "gridUniform": {"type": "boolean"},
        "gridThickness": {"type": "integer", "minimum": 0},
        "gridX": {"type": "integer", "minimum": 0},
        "gridY": {"type": "integer", "minimum": 0}
      }
    },
    "errorSettings": {
      "type": "object",
      "properties": {
        "errorsQuality": {"type": "number"},
        "errorsActive": {"type": "boolean"},
        "errorsUseGPU": {"type": "boolean"},
        "errorLegend": {"type": "boolean"}
      }
    },
    "plotSettings": {
      "type": "object",
      "properties": {
        "plotInterp": {"type": "boolean"},
        "plotIFCurve": {"type": "boolean"}
      }
    },
    "advancedSettings": {
      "type": "object",
      "properties": {
        "splineSmoothingDisplay": {"type": "number"},
        "splineSmoothing": {"type": "number"},
        "commandQueueCapacity": {"type": "integer", "minimum": 1},
        "tilt": {"type": "number"}
      }
    },
    "persistentState": {
      "type": "object",
      "properties": {
        "errorOverlayTarget": {"type": "string"},
        "errorOverlayOpacity": {"type": "number"},
        "exportPrefix": {"type": "string"},
        "renderMaxResolution": {"type": "integer", "minimum": 1},
        "mainLayout": {"enum": ["vertical", "horizontal"]},
        "maskImageUrl": {"type": "string"},
        "unrollingImageUrl": {"type": "string"},
        "maskImageUseLeftHalf": {"type": "boolean"},
        "maskImageCenter": {"type": "number"},
        "maskImageRotation": {"type": "number"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(Schema)
