package message

// Kind tags the semantic type of a Message. The broker's routing engine
// only interprets the System kinds below; everything else is a Domain
// kind and is routed without interpretation.
type Kind string

// System kinds, frozen by the wire protocol. A decoder rejects
// any message whose Kind is empty but accepts any non-empty Domain kind —
// only these carry broker-side behavior.
const (
	KindHeartbeat           Kind = "Heartbeat"
	KindServiceRegistration Kind = "ServiceRegistration"
	KindServiceDiscovery    Kind = "ServiceDiscovery"
	KindAcknowledgment      Kind = "Acknowledgment"
	KindPing                Kind = "Ping"
	KindError               Kind = "Error"
	KindRequest             Kind = "Request"
	KindResponse            Kind = "Response"
)

// IsSystem reports whether k is one of the closed protocol kinds listed
// above, as opposed to a domain kind. Request and Response belong to the
// closed set, but the routing engine forwards them the same way it
// forwards domain kinds.
func (k Kind) IsSystem() bool {
	switch k {
	case KindHeartbeat, KindServiceRegistration, KindServiceDiscovery,
		KindAcknowledgment, KindPing, KindError, KindRequest, KindResponse:
		return true
	default:
		return false
	}
}
