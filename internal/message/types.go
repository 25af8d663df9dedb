package message

import "encoding/json"

// Registration is the payload of a ServiceRegistration message. The broker
// owns a copy once accepted; re-sending the same ServiceId is an idempotent
// upsert, not a new registration.
type Registration struct {
	ServiceID      string   `json:"serviceId"`
	ServiceName    string   `json:"serviceName"`
	ServiceType    string   `json:"serviceType"`
	Capabilities   []string `json:"capabilities"`
	Endpoint       string   `json:"endpoint,omitempty"`
	PublisherPort  int      `json:"publisherPort,omitempty"`
	SubscriberPort int      `json:"subscriberPort,omitempty"`
}

// DiscoveryRequest is the payload of a ServiceDiscovery request. An empty
// field matches every service on that criterion.
type DiscoveryRequest struct {
	ServiceType string `json:"serviceType,omitempty"`
	Capability  string `json:"capability,omitempty"`
}

// DecodeRegistration unmarshals m's payload as a Registration. Callers in
// internal/broker use it for the ServiceRegistration system branch.
func DecodeRegistration(m *Message) (Registration, error) {
	var r Registration
	err := json.Unmarshal(m.Payload, &r)
	return r, err
}

// EncodeRegistration marshals r as a message Payload.
func EncodeRegistration(r Registration) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeDiscoveryRequest unmarshals m's payload as a DiscoveryRequest.
func DecodeDiscoveryRequest(m *Message) (DiscoveryRequest, error) {
	var r DiscoveryRequest
	err := json.Unmarshal(m.Payload, &r)
	return r, err
}

// EncodeDiscoveryResponse marshals a slice of matching registrations as
// the ServiceDiscovery response payload.
func EncodeDiscoveryResponse(regs []Registration) ([]byte, error) {
	if regs == nil {
		regs = []Registration{}
	}
	return json.Marshal(regs)
}

// DecodeDiscoveryResponse is the client-side counterpart of
// EncodeDiscoveryResponse.
func DecodeDiscoveryResponse(m *Message) ([]Registration, error) {
	var regs []Registration
	err := json.Unmarshal(m.Payload, &regs)
	return regs, err
}
