package openapi

import (
	"net/http"
	"strconv"

	"github.com/getkin/kin-openapi/openapi3"
)

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func arrayOf(name string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: ref(name),
		},
	}
}

func objectSchema(props openapi3.Schemas, required ...string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:       &openapi3.Types{"object"},
			Properties: props,
			Required:   required,
		},
	}
}

// millis is an epoch-milliseconds timestamp; nullable ones may be null.
func millis(description string, nullable bool) *openapi3.SchemaRef {
	types := openapi3.Types{"integer"}
	if nullable {
		types = append(types, "null")
	}
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &types,
			Format:      "int64",
			Description: description,
		},
	}
}

func permissionsSchema() *openapi3.SchemaRef {
	s := openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema().WithMinLength(1))
	s.Description = `Permission strings. "*" grants everything, "admin" grants key management.`
	return s.NewRef()
}

func errorResponseSchema() *openapi3.SchemaRef {
	return objectSchema(openapi3.Schemas{
		"error": objectSchema(openapi3.Schemas{
			"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
			"message": openapi3.NewStringSchema().NewRef(),
			"context": openapi3.NewObjectSchema().NewRef(),
		}, "code", "message"),
	}, "error")
}

func keyViewSchema() *openapi3.SchemaRef {
	return objectSchema(openapi3.Schemas{
		"id":          openapi3.NewUUIDSchema().NewRef(),
		"name":        openapi3.NewStringSchema().WithMinLength(1).WithMaxLength(100).NewRef(),
		"prefix":      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Example: "kg_1a2b3c4..."}},
		"permissions": permissionsSchema(),
		"createdAt":   millis("Creation time, ms since epoch", false),
		"lastUsedAt":  millis("Last successful validation, ms since epoch", true),
		"expiresAt":   millis("Expiry, ms since epoch; null never expires", true),
		"revoked":     openapi3.NewBoolSchema().NewRef(),
	}, "id", "name", "prefix", "permissions", "createdAt", "lastUsedAt", "expiresAt", "revoked")
}

func createdKeySchema() *openapi3.SchemaRef {
	return objectSchema(openapi3.Schemas{
		"key":         &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Description: "Plaintext key. Shown once."}},
		"id":          openapi3.NewUUIDSchema().NewRef(),
		"name":        openapi3.NewStringSchema().NewRef(),
		"prefix":      openapi3.NewStringSchema().NewRef(),
		"permissions": permissionsSchema(),
		"createdAt":   millis("Creation time, ms since epoch", false),
		"expiresAt":   millis("Expiry, ms since epoch", true),
	}, "key", "id", "name", "prefix", "permissions", "createdAt", "expiresAt")
}

func createKeyRequestSchema() *openapi3.SchemaRef {
	return objectSchema(openapi3.Schemas{
		"name":        openapi3.NewStringSchema().WithMinLength(1).WithMaxLength(100).NewRef(),
		"permissions": permissionsSchema(),
		"expiresAt":   millis("Future expiry, ms since epoch", true),
	}, "name")
}

func renameKeyRequestSchema() *openapi3.SchemaRef {
	return objectSchema(openapi3.Schemas{
		"name": openapi3.NewStringSchema().WithMinLength(1).WithMaxLength(100).NewRef(),
	}, "name")
}

func jsonBody(description, schema string) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Description: description,
			Required:    true,
			Content:     openapi3.NewContentWithJSONSchemaRef(ref(schema)),
		},
	}
}

func boolQuery(name, description string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewQueryParameter(name).
			WithDescription(description).
			WithSchema(openapi3.NewBoolSchema()),
	}
}

// newResponses builds a success response plus one ErrorResponse entry per
// error status code.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef, errorCodes ...string) *openapi3.Responses {
	responses := openapi3.NewResponses()

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})

	errorRef := ref("ErrorResponse")
	for _, code := range errorCodes {
		n, _ := strconv.Atoi(code)
		desc := http.StatusText(n)
		responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return responses
}

func textResponse(description string) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Set("200", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &description,
			Content:     openapi3.NewContentWithSchema(openapi3.NewStringSchema(), []string{"text/plain"}),
		},
	})
	return responses
}
