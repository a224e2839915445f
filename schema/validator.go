package schema

import (
	"encoding/json"
	"fmt"

	"github.com/meshrpc/meshrpc-go/messaging"
)

// ContractValidator rejects payloads for types the contract does not
// declare, and malformed JSON for types it does. Schema-level validation of
// payload shape stays with the external schema engine referenced by
// contracts.SchemaRef.
type ContractValidator struct {
	compiled *Compiled
}

// NewContractValidator builds a validator over a compiled contract.
func NewContractValidator(compiled *Compiled) *ContractValidator {
	return &ContractValidator{compiled: compiled}
}

// ValidateRequest implements messaging.PayloadValidator. System requests
// pass through untouched.
func (v *ContractValidator) ValidateRequest(reqType string, payload []byte) error {
	if isSystemType(reqType) {
		return nil
	}
	if _, declared := v.compiled.Requests[reqType]; !declared {
		return fmt.Errorf("request type %q is not declared by contract %s", reqType, v.compiled.Contract.Name)
	}
	return checkJSON(payload)
}

// ValidateEvent implements messaging.PayloadValidator. System events pass
// through untouched.
func (v *ContractValidator) ValidateEvent(eventType string, payload []byte) error {
	if isSystemType(eventType) {
		return nil
	}
	if _, declared := v.compiled.Events[eventType]; !declared {
		return fmt.Errorf("event type %q is not declared by contract %s", eventType, v.compiled.Contract.Name)
	}
	return checkJSON(payload)
}

func isSystemType(name string) bool {
	return len(name) > 0 && name[0] == '$'
}

func checkJSON(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if !json.Valid(payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

var _ messaging.PayloadValidator = (*ContractValidator)(nil)
