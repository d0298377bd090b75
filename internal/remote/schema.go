package remote

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Entity payload schemas. Only the fields the stores rely on are constrained;
// backends are free to add more.
const (
	schemaProject = "project"
	schemaEpic    = "epic"
	schemaStory   = "story"
	schemaTask    = "task"
	schemaUser    = "user"
)

var entitySchemas = map[string]string{
	schemaProject: `{
		"type": "object",
		"required": ["_id", "title"],
		"properties": {
			"_id": {"type": "string", "minLength": 1},
			"title": {"type": "string"},
			"description": {"type": ["string", "null"]}
		}
	}`,
	schemaEpic: `{
		"type": "object",
		"required": ["_id", "title"],
		"properties": {
			"_id": {"type": "string", "minLength": 1},
			"projectId": {"type": ["string", "null"]},
			"title": {"type": "string"}
		}
	}`,
	schemaStory: `{
		"type": "object",
		"required": ["_id", "title"],
		"properties": {
			"_id": {"type": "string", "minLength": 1},
			"epicId": {"type": ["string", "null"]},
			"title": {"type": "string"},
			"description": {"type": ["string", "null"]}
		}
	}`,
	schemaTask: `{
		"type": "object",
		"required": ["_id", "title"],
		"properties": {
			"_id": {"type": "string", "minLength": 1},
			"storyId": {"type": ["string", "null"]},
			"title": {"type": "string"},
			"completed": {"type": "boolean"}
		}
	}`,
	schemaUser: `{
		"type": "object",
		"required": ["_id"],
		"properties": {
			"_id": {"type": "string", "minLength": 1},
			"username": {"type": ["string", "null"]},
			"email": {"type": ["string", "null"]}
		}
	}`,
}

// schemaSet holds compiled item and list schemas per entity.
type schemaSet struct {
	compiled map[string]*jsonschema.Schema
}

func listSchemaName(entity string) string { return entity + "[]" }

func compileSchemas() (*schemaSet, error) {
	c := jsonschema.NewCompiler()
	set := &schemaSet{compiled: make(map[string]*jsonschema.Schema)}

	for name, src := range entitySchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("remote: unmarshal %s schema: %w", name, err)
		}
		itemURL := name + ".json"
		if err := c.AddResource(itemURL, doc); err != nil {
			return nil, fmt.Errorf("remote: add %s schema: %w", name, err)
		}
		listDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(
			fmt.Sprintf(`{"type": "array", "items": {"$ref": %q}}`, itemURL)))
		if err != nil {
			return nil, fmt.Errorf("remote: unmarshal %s list schema: %w", name, err)
		}
		listURL := name + ".list.json"
		if err := c.AddResource(listURL, listDoc); err != nil {
			return nil, fmt.Errorf("remote: add %s list schema: %w", name, err)
		}
	}

	for name := range entitySchemas {
		item, err := c.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("remote: compile %s schema: %w", name, err)
		}
		list, err := c.Compile(name + ".list.json")
		if err != nil {
			return nil, fmt.Errorf("remote: compile %s list schema: %w", name, err)
		}
		set.compiled[name] = item
		set.compiled[listSchemaName(name)] = list
	}
	return set, nil
}

func (s *schemaSet) validate(name string, raw []byte) error {
	sch, ok := s.compiled[name]
	if !ok {
		return fmt.Errorf("no schema named %q", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse %s payload: %w", name, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", name, err)
	}
	return nil
}
