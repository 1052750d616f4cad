package validation

// payRequestSchema is the structural contract of a POST /pay body. Business
// rules (address syntax, chain support, amount bounds) are checked afterwards.
var payRequestSchema = []byte(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["original_url", "original_method", "payment_required", "agent_wallet"],
	"properties": {
		"original_url": {"type": "string", "minLength": 1},
		"original_method": {"type": "string", "minLength": 1},
		"original_headers": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"original_body": {},
		"payment_required": {
			"type": "object",
			"required": ["amount", "recipient", "chain"],
			"properties": {
				"amount": {"type": ["string", "number"]},
				"currency": {"type": "string"},
				"recipient": {"type": "string", "minLength": 1},
				"chain": {"type": "string", "minLength": 1},
				"description": {"type": "string", "maxLength": 1024},
				"metadata": {"type": "object"}
			}
		},
		"agent_wallet": {"type": "string", "minLength": 1},
		"signed_tx": {"type": "string"}
	}
}`)
