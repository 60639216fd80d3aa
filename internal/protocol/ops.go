package protocol

import "strings"

// Op is the dialect-independent operation carried by an Envelope.
type Op uint8

const (
	OpUnknown Op = iota
	OpRegister
	OpRegistered
	OpWelcome
	OpOffer
	OpAnswer
	OpICECandidate
	OpTakeover
	OpMonitor
	OpMonitorConfirmed
	OpCapabilities
	OpPing
	OpPong
	OpError
	OpDisconnected
)

const (
	namespaceSignalling = "signalling"
	// Some enveloped clients use the American spelling.
	namespaceSignaling = "signaling"
	namespaceLiveness  = "liveness"

	// Version1 is the only enveloped schema version the relay speaks.
	Version1 = 1
)

type opSpec struct {
	legacy    string
	namespace string
	verb      string
	// relayOnly ops are emitted by the relay and never accepted from clients.
	relayOnly bool
}

var opSpecs = map[Op]opSpec{
	OpRegister:         {legacy: "register", namespace: namespaceSignalling, verb: "register"},
	OpRegistered:       {legacy: "registered", namespace: namespaceSignalling, verb: "registered", relayOnly: true},
	OpWelcome:          {legacy: "welcome", namespace: namespaceSignalling, verb: "welcome", relayOnly: true},
	OpOffer:            {legacy: "offer", namespace: namespaceSignalling, verb: "offer"},
	OpAnswer:           {legacy: "answer", namespace: namespaceSignalling, verb: "answer"},
	OpICECandidate:     {legacy: "ice-candidate", namespace: namespaceSignalling, verb: "ice_candidate"},
	OpTakeover:         {legacy: "takeover", namespace: namespaceSignalling, verb: "takeover"},
	OpMonitor:          {legacy: "monitor", namespace: namespaceSignalling, verb: "monitor"},
	OpMonitorConfirmed: {legacy: "monitor-confirmed", namespace: namespaceSignalling, verb: "monitor_confirmed", relayOnly: true},
	OpCapabilities:     {legacy: "capabilities", namespace: namespaceSignalling, verb: "capabilities"},
	OpPing:             {legacy: "ping", namespace: namespaceLiveness, verb: "ping"},
	OpPong:             {legacy: "pong", namespace: namespaceLiveness, verb: "pong"},
	OpError:            {legacy: "error", namespace: namespaceSignalling, verb: "error", relayOnly: true},
	OpDisconnected:     {legacy: "disconnected", namespace: namespaceSignalling, verb: "disconnected", relayOnly: true},
}

var (
	legacyOps    = map[string]Op{}
	envelopedOps = map[string]Op{}
)

func init() {
	for op, spec := range opSpecs {
		legacyOps[spec.legacy] = op
		envelopedOps[spec.namespace+"."+spec.verb] = op
		if spec.namespace == namespaceSignalling {
			envelopedOps[namespaceSignaling+"."+spec.verb] = op
		}
	}
	// Accepted spellings for ICE candidates seen from deployed clients.
	for _, alias := range []string{"ice_candidate", "candidate"} {
		legacyOps[alias] = OpICECandidate
	}
	for _, alias := range []string{"ice-candidate", "candidate"} {
		envelopedOps[namespaceSignalling+"."+alias] = OpICECandidate
		envelopedOps[namespaceSignaling+"."+alias] = OpICECandidate
	}
	legacyOps["monitor_confirmed"] = OpMonitorConfirmed
	legacyOps["admin-takeover"] = OpTakeover
}

func (o Op) String() string {
	if spec, ok := opSpecs[o]; ok {
		return spec.verb
	}
	return "unknown"
}

// RelayOnly reports whether o is emitted by the relay and rejected as input.
func (o Op) RelayOnly() bool {
	return opSpecs[o].relayOnly
}

// WireType returns the "type" field value for o in the given dialect.
func (o Op) WireType(d Dialect) string {
	spec, ok := opSpecs[o]
	if !ok {
		return ""
	}
	if d == DialectEnveloped {
		return spec.namespace + "." + spec.verb
	}
	return spec.legacy
}

func lookupOp(d Dialect, wireType string) (Op, bool) {
	if d == DialectEnveloped {
		op, ok := envelopedOps[strings.ToLower(wireType)]
		return op, ok
	}
	op, ok := legacyOps[strings.ToLower(wireType)]
	return op, ok
}

// SupportedOps lists the client-originated operations in a stable order.
func SupportedOps() []string {
	return []string{
		OpRegister.String(),
		OpOffer.String(),
		OpAnswer.String(),
		OpICECandidate.String(),
		OpTakeover.String(),
		OpMonitor.String(),
		OpCapabilities.String(),
		OpPing.String(),
		OpPong.String(),
	}
}

func isEnvelopedType(wireType string) bool {
	return strings.Contains(wireType, ".")
}
