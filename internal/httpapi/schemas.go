package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"canaryd/internal/errcode"
)

// schemaSet holds the compiled request-body schemas.
type schemaSet struct {
	deviceConfig  *jsonschema.Schema
	chirpSettings *jsonschema.Schema
	rfSettings    *jsonschema.Schema
	wifiConnect   *jsonschema.Schema
}

const deviceConfigSchema = `{
	"type": "object",
	"properties": {
		"record_interval_ms": {"type": "integer", "minimum": 1000},
		"time_bucket_ms": {"type": "integer", "minimum": 1000, "maximum": 3600000},
		"log_level": {"enum": ["debug", "info", "warn", "error"]}
	},
	"additionalProperties": false
}`

const chirpSettingsSchema = `{
	"type": "object",
	"properties": {
		"relay_enabled": {"type": "boolean"},
		"urgency_filter": {"enum": ["info", "caution", "urgent"]}
	},
	"additionalProperties": false
}`

const rfSettingsSchema = `{
	"type": "object",
	"properties": {
		"presence_threshold_sec": {"type": "integer", "minimum": 1},
		"dwell_threshold_sec": {"type": "integer", "minimum": 1},
		"lost_timeout_sec": {"type": "integer", "minimum": 1},
		"min_presence_count": {"type": "integer", "minimum": 1},
		"impulse_events": {"type": "boolean"}
	},
	"additionalProperties": false
}`

const wifiConnectSchema = `{
	"type": "object",
	"properties": {
		"ssid": {"type": "string", "minLength": 1, "maxLength": 32},
		"psk": {"type": "string", "maxLength": 64}
	},
	"required": ["ssid"],
	"additionalProperties": false
}`

func compileSchemas() (*schemaSet, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7

	add := func(name, src string) (*jsonschema.Schema, error) {
		if err := c.AddResource(name, bytes.NewReader([]byte(src))); err != nil {
			return nil, fmt.Errorf("httpapi: add schema %s: %w", name, err)
		}
		schema, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("httpapi: compile schema %s: %w", name, err)
		}
		return schema, nil
	}

	var s schemaSet
	var err error
	if s.deviceConfig, err = add("device-config.json", deviceConfigSchema); err != nil {
		return nil, err
	}
	if s.chirpSettings, err = add("chirp-settings.json", chirpSettingsSchema); err != nil {
		return nil, err
	}
	if s.rfSettings, err = add("rf-settings.json", rfSettingsSchema); err != nil {
		return nil, err
	}
	if s.wifiConnect, err = add("wifi-connect.json", wifiConnectSchema); err != nil {
		return nil, err
	}
	return &s, nil
}

// validateAndDecode checks the body against schema, then unmarshals it
// into dst. Schema violations map to BadRequest with the first failure
// message.
func validateAndDecode(r *http.Request, schema *jsonschema.Schema, dst any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return errcode.Wrap(err, errcode.CodeBadRequest, "read request body")
	}
	if len(data) == 0 {
		data = []byte("{}")
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return errcode.Wrap(err, errcode.CodeBadRequest, "invalid JSON")
	}
	if err := schema.Validate(generic); err != nil {
		return errcode.Wrap(err, errcode.CodeBadRequest, "request body failed validation")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errcode.Wrap(err, errcode.CodeBadRequest, "invalid request body")
	}
	return nil
}
