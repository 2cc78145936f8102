// Package validation runs gojsonschema shape checks over the wire
// types at the facilitator's HTTP boundary, ahead of the field-level
// Go validation in pkg/types. A schema failure is cheaper to produce
// a precise error for than a panic deep in json.Unmarshal, and it
// catches shapes (extra/missing fields, wrong JSON types) that the
// field-level checks don't look at because they assume the struct
// already decoded cleanly.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const paymentRequirementsSchemaJSON = `{
	"type": "object",
	"required": ["scheme", "network", "maxAmountRequired", "resource", "payTo", "maxTimeoutSeconds", "asset"],
	"properties": {
		"scheme": {"type": "string", "enum": ["exact", "upto"]},
		"network": {"type": "string"},
		"maxAmountRequired": {"type": "string", "pattern": "^[0-9]+$"},
		"resource": {"type": "string"},
		"description": {"type": "string"},
		"mimeType": {"type": "string"},
		"payTo": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"maxTimeoutSeconds": {"type": "integer", "minimum": 1},
		"asset": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"extra": {
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"version": {"type": "string"}
			}
		}
	}
}`

const authorizationSchemaJSON = `{
	"type": "object",
	"required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
	"properties": {
		"from": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"to": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"value": {"type": "string", "pattern": "^[0-9]+$"},
		"validAfter": {"type": "string", "pattern": "^[0-9]+$"},
		"validBefore": {"type": "string", "pattern": "^[0-9]+$"},
		"nonce": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
	}
}`

const paymentPayloadSchemaJSON = `{
	"type": "object",
	"required": ["x402Version", "scheme", "network", "payload"],
	"properties": {
		"x402Version": {"type": "integer", "minimum": 1},
		"scheme": {"type": "string", "enum": ["exact", "upto"]},
		"network": {"type": "string"},
		"payload": {
			"type": "object",
			"required": ["signature", "authorization"],
			"properties": {
				"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"},
				"authorization": ` + authorizationSchemaJSON + `,
				"metering": {
					"type": "object",
					"required": ["unit", "pricePerUnit", "maxUnits"],
					"properties": {
						"unit": {"type": "string"},
						"pricePerUnit": {"type": "string"},
						"maxUnits": {"type": "string"}
					}
				}
			}
		}
	}
}`

const paymentResponseSchemaJSON = `{
	"type": "object",
	"required": ["success"],
	"properties": {
		"success": {"type": "boolean"},
		"txHash": {"type": "string"},
		"networkId": {"type": "string"},
		"actualAmount": {"type": "string"},
		"error": {"type": "string"}
	}
}`

var (
	paymentRequirementsSchema = mustCompile(paymentRequirementsSchemaJSON)
	paymentPayloadSchema      = mustCompile(paymentPayloadSchemaJSON)
	paymentResponseSchema     = mustCompile(paymentResponseSchemaJSON)
)

func mustCompile(raw string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("validation: invalid embedded schema: %v", err))
	}
	return schema
}

func validate(schema *gojsonschema.Schema, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("validation: marshal for shape check: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(b))
	if err != nil {
		return fmt.Errorf("validation: run schema: %w", err)
	}
	if result.Valid() {
		return nil
	}
	return fmt.Errorf("shape invalid: %s", joinResultErrors(result.Errors()))
}

func joinResultErrors(errs []gojsonschema.ResultError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}

// PaymentRequirements shape-checks v (a types.PaymentRequirements or
// equivalent map/JSON value) against the PaymentRequirements schema.
func PaymentRequirements(v any) error {
	return validate(paymentRequirementsSchema, v)
}

// PaymentPayload shape-checks v against the PaymentPayload schema,
// including the nested exact/upto authorization structure.
func PaymentPayload(v any) error {
	return validate(paymentPayloadSchema, v)
}

// PaymentResponse shape-checks v against the PaymentResponse schema.
func PaymentResponse(v any) error {
	return validate(paymentResponseSchema, v)
}
