package contrib

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateSetting checks value against the JSON Schema contributed for key.
// Schemas are compiled on first use and cached until the key changes owner.
func (r *Registry) ValidateSetting(key string, value any) error {
	schema, err := r.settingSchema(key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSetting, key, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSetting, key, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSetting, key, err)
	}
	return nil
}

func (r *Registry) settingSchema(key string) (*jsonschema.Schema, error) {
	r.mu.RLock()
	cached, ok := r.schemas[key]
	rec, registered := r.keyed[KindConfiguration][key]
	gen := r.schemaGen[key]
	r.mu.RUnlock()

	if ok {
		return cached, nil
	}
	if !registered {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}

	raw, err := marshalPayload(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("setting %s: %w", key, err)
	}
	schema, err := compileSetting(raw)
	if err != nil {
		return nil, fmt.Errorf("setting %s: %w", key, err)
	}

	r.mu.Lock()
	// the key may have been re-registered while compiling
	if r.schemaGen[key] == gen {
		r.schemas[key] = schema
	}
	r.mu.Unlock()

	return schema, nil
}

// compileSetting compiles a contributed setting schema.
var compileSetting = func(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("setting.json", doc); err != nil {
		return nil, fmt.Errorf("adding schema: %w", err)
	}
	schema, err := c.Compile("setting.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return schema, nil
}
