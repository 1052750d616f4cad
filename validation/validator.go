// Package validation turns raw pay requests into validated payment requests.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xeipuuv/gojsonschema"

	facilitator "github.com/apitoll/facilitator"
	"github.com/apitoll/facilitator/chain/evm"
)

// DefaultMaxAmount is the per-payment safety cap in units of the currency.
var DefaultMaxAmount = decimal.NewFromInt(100)

var allowedMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"HEAD":    true,
	"OPTIONS": true,
}

// Config configures a Validator.
type Config struct {
	// Chain is the single chain payments may settle on.
	Chain facilitator.ChainConfig

	// MaxAmount is the safety cap. Zero means DefaultMaxAmount.
	MaxAmount decimal.Decimal
}

// Validator checks pay requests against the schema and business rules.
type Validator struct {
	schema    *gojsonschema.Schema
	chain     facilitator.ChainConfig
	maxAmount decimal.Decimal
}

// New compiles the request schema.
func New(cfg Config) (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(payRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile pay request schema: %w", err)
	}

	maxAmount := cfg.MaxAmount
	if !maxAmount.IsPositive() {
		maxAmount = DefaultMaxAmount
	}

	return &Validator{
		schema:    schema,
		chain:     cfg.Chain,
		maxAmount: maxAmount,
	}, nil
}

// MaxAmount returns the configured safety cap.
func (v *Validator) MaxAmount() decimal.Decimal {
	return v.maxAmount
}

// payRequest is the wire shape of POST /pay.
type payRequest struct {
	OriginalURL     string            `json:"original_url"`
	OriginalMethod  string            `json:"original_method"`
	OriginalHeaders map[string]string `json:"original_headers"`
	OriginalBody    json.RawMessage   `json:"original_body"`
	PaymentRequired paymentRequired   `json:"payment_required"`
	AgentWallet     string            `json:"agent_wallet"`
	SignedTx        string            `json:"signed_tx"`
}

type paymentRequired struct {
	Amount      interface{}            `json:"amount"`
	Currency    string                 `json:"currency"`
	Recipient   string                 `json:"recipient"`
	Chain       string                 `json:"chain"`
	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// ValidatePay validates a POST /pay body. On failure it returns a
// *facilitator.FacilitatorError of kind validation listing every field error.
func (v *Validator) ValidatePay(body []byte, apiKeyOwner string) (facilitator.PaymentRequest, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return facilitator.PaymentRequest{}, facilitator.NewValidationError([]facilitator.FieldError{{
			Field:   "body",
			Code:    facilitator.ErrCodeInvalidRequest,
			Message: "request body must be a JSON object",
		}})
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(trimmed))
	if err != nil {
		return facilitator.PaymentRequest{}, facilitator.NewInternalError(fmt.Errorf("schema validation: %w", err))
	}
	schemaErrs := schemaFieldErrors(result.Errors())

	var req payRequest
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		// A type mismatch the schema already reported; fall back to a loose
		// decode so the business rules can still run on what is readable.
		req = looseDecode(trimmed)
		if len(schemaErrs) == 0 {
			return facilitator.PaymentRequest{}, facilitator.NewValidationError([]facilitator.FieldError{{
				Field:   "body",
				Code:    facilitator.ErrCodeInvalidRequest,
				Message: "request body could not be decoded",
			}})
		}
	}

	validated, fields := v.validate(req, apiKeyOwner)
	if len(schemaErrs) > 0 {
		return facilitator.PaymentRequest{}, facilitator.NewValidationError(mergeFieldErrors(schemaErrs, fields))
	}
	if len(fields) > 0 {
		return facilitator.PaymentRequest{}, facilitator.NewValidationError(fields)
	}
	return validated, nil
}

// looseDecode reads each field independently, skipping those of the wrong type.
func looseDecode(body []byte) payRequest {
	var raw map[string]json.RawMessage
	_ = json.Unmarshal(body, &raw)

	var req payRequest
	_ = json.Unmarshal(raw["original_url"], &req.OriginalURL)
	_ = json.Unmarshal(raw["original_method"], &req.OriginalMethod)
	_ = json.Unmarshal(raw["original_headers"], &req.OriginalHeaders)
	req.OriginalBody = raw["original_body"]
	_ = json.Unmarshal(raw["agent_wallet"], &req.AgentWallet)
	_ = json.Unmarshal(raw["signed_tx"], &req.SignedTx)

	var required map[string]json.RawMessage
	_ = json.Unmarshal(raw["payment_required"], &required)
	if amount, ok := required["amount"]; ok {
		dec := json.NewDecoder(bytes.NewReader(amount))
		dec.UseNumber()
		_ = dec.Decode(&req.PaymentRequired.Amount)
	}
	_ = json.Unmarshal(required["currency"], &req.PaymentRequired.Currency)
	_ = json.Unmarshal(required["recipient"], &req.PaymentRequired.Recipient)
	_ = json.Unmarshal(required["chain"], &req.PaymentRequired.Chain)
	_ = json.Unmarshal(required["description"], &req.PaymentRequired.Description)
	return req
}

// mergeFieldErrors keeps every schema error and adds business errors for
// fields the schema did not already flag.
func mergeFieldErrors(schemaErrs, business []facilitator.FieldError) []facilitator.FieldError {
	flagged := make(map[string]bool, len(schemaErrs))
	for _, fe := range schemaErrs {
		flagged[fe.Field] = true
	}
	out := append([]facilitator.FieldError(nil), schemaErrs...)
	for _, fe := range business {
		if !flagged[fe.Field] {
			out = append(out, fe)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func (v *Validator) validate(req payRequest, apiKeyOwner string) (facilitator.PaymentRequest, []facilitator.FieldError) {
	var fields []facilitator.FieldError
	add := func(field, code, format string, args ...interface{}) {
		fields = append(fields, facilitator.FieldError{
			Field:   field,
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		})
	}

	originalURL := strings.TrimSpace(req.OriginalURL)
	if u, err := url.Parse(originalURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("original_url", facilitator.ErrCodeInvalidField, "must be an absolute http or https URL")
	}

	method := strings.ToUpper(strings.TrimSpace(req.OriginalMethod))
	if !allowedMethods[method] {
		add("original_method", facilitator.ErrCodeInvalidField, "unsupported HTTP method %q", req.OriginalMethod)
	}

	// An unsupported chain is reported once; addresses are then accepted in
	// any known syntax so the chain error stands on its own.
	chainName := strings.ToLower(strings.TrimSpace(req.PaymentRequired.Chain))
	family := v.chain.Family
	if chainName != v.chain.Name {
		family = ""
		if _, err := facilitator.GetChainConfig(chainName); err != nil {
			add("payment_required.chain", facilitator.ErrCodeUnsupportedChain,
				"unsupported chain %q; supported chains: %s", req.PaymentRequired.Chain, v.chain.Name)
		} else {
			add("payment_required.chain", facilitator.ErrCodeUnsupportedChain,
				"chain %q is not supported by this facilitator; supported chains: %s", chainName, v.chain.Name)
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(req.PaymentRequired.Currency))
	if currency == "" {
		currency = facilitator.DefaultCurrency
	}
	if currency != facilitator.DefaultCurrency {
		add("payment_required.currency", facilitator.ErrCodeUnsupportedCurrency,
			"unsupported currency %q; only %s is accepted", req.PaymentRequired.Currency, facilitator.DefaultCurrency)
	}

	amount, amountErr := v.checkAmount(req.PaymentRequired.Amount)
	if amountErr != nil {
		fields = append(fields, *amountErr)
	}

	recipient := strings.TrimSpace(req.PaymentRequired.Recipient)
	if !IsAddress(family, recipient) {
		add("payment_required.recipient", facilitator.ErrCodeInvalidAddress, "invalid recipient address for chain %s", chainName)
	}

	agentWallet := strings.TrimSpace(req.AgentWallet)
	if !IsAddress(family, agentWallet) {
		add("agent_wallet", facilitator.ErrCodeInvalidAddress, "invalid agent wallet address for chain %s", chainName)
	}

	signedTx := strings.TrimSpace(req.SignedTx)
	if signedTx != "" {
		if fe := v.checkSignedTx(signedTx, recipient, agentWallet, amount, amountErr == nil); fe != nil {
			fields = append(fields, *fe)
		}
	}

	if len(fields) > 0 {
		return facilitator.PaymentRequest{}, fields
	}

	return facilitator.PaymentRequest{
		OriginalRequest: facilitator.OriginalRequest{
			URL:     originalURL,
			Method:  method,
			Headers: req.OriginalHeaders,
			Body:    req.OriginalBody,
		},
		PaymentRequirement: facilitator.PaymentRequirement{
			Amount:      facilitator.CanonicalAmount(amount),
			Currency:    currency,
			Recipient:   recipient,
			Chain:       chainName,
			Description: req.PaymentRequired.Description,
			Metadata:    req.PaymentRequired.Metadata,
		},
		AgentWallet: agentWallet,
		SignedTx:    signedTx,
		APIKeyOwner: apiKeyOwner,
	}, nil
}

func (v *Validator) checkAmount(raw interface{}) (decimal.Decimal, *facilitator.FieldError) {
	const field = "payment_required.amount"

	amount, err := facilitator.ParseAmount(raw)
	if err != nil {
		return decimal.Decimal{}, &facilitator.FieldError{Field: field, Code: facilitator.ErrCodeInvalidAmount, Message: err.Error()}
	}
	if !amount.IsPositive() {
		return decimal.Decimal{}, &facilitator.FieldError{Field: field, Code: facilitator.ErrCodeInvalidAmount, Message: "amount must be greater than 0"}
	}
	if amount.GreaterThan(v.maxAmount) {
		return decimal.Decimal{}, &facilitator.FieldError{
			Field:   field,
			Code:    facilitator.ErrCodeSafetyCapExceeded,
			Message: fmt.Sprintf("amount %s exceeds the safety cap of %s %s", amount, v.maxAmount, facilitator.DefaultCurrency),
		}
	}

	decimals := v.chain.AssetDecimals
	if decimals == 0 {
		decimals = facilitator.DefaultDecimals
	}
	if !amount.Equal(amount.Truncate(decimals)) {
		return decimal.Decimal{}, &facilitator.FieldError{
			Field:   field,
			Code:    facilitator.ErrCodeInvalidAmount,
			Message: fmt.Sprintf("amount supports at most %d decimal places", decimals),
		}
	}
	return amount, nil
}

// checkSignedTx requires a relay transaction to be an ERC20 transfer of at
// least amount to recipient on the settlement asset, signed by agentWallet.
// Amount and address checks are skipped when those fields are already invalid.
func (v *Validator) checkSignedTx(raw, recipient, agentWallet string, amount decimal.Decimal, amountOK bool) *facilitator.FieldError {
	const field = "signed_tx"
	invalid := func(format string, args ...interface{}) *facilitator.FieldError {
		return &facilitator.FieldError{Field: field, Code: facilitator.ErrCodeInvalidSignedTx, Message: fmt.Sprintf(format, args...)}
	}

	if v.chain.Family != facilitator.AddressFamilyEVM {
		return invalid("relay settlement requires an EVM chain")
	}
	tx, err := evm.DecodeRawTransaction(raw)
	if err != nil {
		return invalid("%s", err.Error())
	}
	if !tx.Protected() {
		return invalid("signed transaction must be replay protected (EIP-155)")
	}
	if id := tx.ChainId(); v.chain.ChainID != nil && id != nil && id.Cmp(v.chain.ChainID) != 0 {
		return invalid("signed transaction is for chain id %s, expected %s", id, v.chain.ChainID)
	}

	if tx.To() == nil || !strings.EqualFold(tx.To().Hex(), v.chain.AssetAddress) {
		return invalid("signed transaction must call the %s contract %s", facilitator.DefaultCurrency, v.chain.AssetAddress)
	}
	to, value, err := evm.DecodeTransferCall(tx.Data())
	if err != nil {
		return invalid("%s", err.Error())
	}
	if IsEVMAddress(recipient) && !strings.EqualFold(to.Hex(), recipient) {
		return invalid("signed transaction pays %s, expected recipient %s", to.Hex(), recipient)
	}
	if amountOK {
		decimals := v.chain.AssetDecimals
		if decimals == 0 {
			decimals = facilitator.DefaultDecimals
		}
		want, err := facilitator.ToBaseUnits(facilitator.CanonicalAmount(amount), decimals)
		if err == nil && value.Cmp(want) < 0 {
			return invalid("signed transaction transfers %s base units, expected at least %s", value, want)
		}
	}
	if IsEVMAddress(agentWallet) {
		sender, err := evm.TransactionSender(tx)
		if err != nil {
			return invalid("failed to recover transaction signer: %s", err.Error())
		}
		if !strings.EqualFold(sender.Hex(), agentWallet) {
			return invalid("signed transaction is from %s, expected agent wallet %s", sender.Hex(), agentWallet)
		}
	}
	return nil
}

// schemaFieldErrors converts schema violations into field errors, sorted by field.
func schemaFieldErrors(errs []gojsonschema.ResultError) []facilitator.FieldError {
	out := make([]facilitator.FieldError, 0, len(errs))
	for _, e := range errs {
		field := e.Field()
		if field == "(root)" {
			field = ""
		}

		code := facilitator.ErrCodeInvalidField
		if e.Type() == "required" {
			code = facilitator.ErrCodeMissingField
			if prop, ok := e.Details()["property"].(string); ok && !strings.HasSuffix(field, prop) {
				if field == "" {
					field = prop
				} else {
					field = field + "." + prop
				}
			}
		}
		if field == "" {
			field = "body"
		}

		out = append(out, facilitator.FieldError{
			Field:   field,
			Code:    code,
			Message: e.Description(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}
