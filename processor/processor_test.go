/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package processor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/suparena/entitydao/errors"
	"github.com/suparena/entitydao/key"
	"github.com/suparena/entitydao/registry"
)

const openapi = `
openapi: 3.0.3
components:
  schemas:
    UserProfile:
      type: object
      x-dynamodb-indexmap:
        PK: "USER#{key}"
        SK: "PROFILE"
        GSI1PK: "EMAIL#{email}"
        GSI1SK: "USER"
      x-entitydao-natural-key: true
      properties:
        email:
          type: string
    Company:
      type: object
      x-entitydao-key: int64
      x-entitydao-noncopyable: [createdBy]
      properties:
        name:
          type: string
        createdBy:
          type: string
    Address:
      type: object
      properties:
        street:
          type: string
`

func TestExtract(t *testing.T) {
	schemas, err := Extract([]byte(openapi))
	require.NoError(t, err)
	require.Len(t, schemas, 2, "schemas without extensions are skipped")

	assert.Equal(t, registry.Schema{
		Name:        "Company",
		Key:         key.KindInt64,
		NonCopyable: []string{"createdBy"},
	}, schemas[0])

	profile := schemas[1]
	assert.Equal(t, "UserProfile", profile.Name)
	assert.Equal(t, key.KindString, profile.Key)
	assert.True(t, profile.NaturalKey)
	assert.Equal(t, "EMAIL#{email}", profile.IndexMap["GSI1PK"])
}

func TestExtractJSON(t *testing.T) {
	schemas, err := Extract([]byte(`{"components":{"schemas":{"Tag":{"type":"object","x-entitydao-key":"string"}}}}`))
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	assert.Equal(t, "Tag", schemas[0].Name)
}

func TestExtractErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown property", `
components:
  schemas:
    User:
      x-dynamodb-indexmap:
        GSI1PK: "EMAIL#{mail}"
      properties:
        email: {type: string}
`},
		{"bad key kind", `
components:
  schemas:
    User:
      x-entitydao-key: uuid4
`},
		{"bad template", `
components:
  schemas:
    User:
      x-dynamodb-indexmap:
        PK: "USER#{key"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract([]byte(tt.doc))
			assert.True(t, errors.IsValidationError(err), "got %v", err)
		})
	}

	_, err := Extract([]byte("components: ["))
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	schemas, err := Extract([]byte(openapi))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, schemas))
	assert.Contains(t, buf.String(), "key: int64")

	var parsed struct {
		Entities []registry.Schema `yaml:"entities"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, schemas, parsed.Entities)
}
