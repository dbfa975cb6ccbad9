package soe

// SessionHandle is the surface a ProtocolHandler exposes to the
// application it carries, per spec section 6.
type SessionHandle interface {
	Mode() Mode
	State() State
	SessionID() uint32
	TerminationReason() DisconnectReason
	TerminatedByRemote() bool
	EnqueueData(data []byte) bool
	TerminateSession()
}

// ApplicationProtocol is the polymorphic plug-in interface spec
// section 9 calls for: four lifecycle methods plus a params accessor,
// modeled the way kcptun's ApplicationProtocol is stood up per session
// (there, a smux.Session wrapping a kcp.UDPSession; here, whatever the
// embedding program wants carried over the reliable byte stream).
type ApplicationProtocol interface {
	// SessionParams returns this application's ApplicationParameters
	// (optional RC4 key state, initial encryption toggle).
	SessionParams() ApplicationParameters

	// Initialize installs handle so the application can later call
	// EnqueueData / TerminateSession or query Mode/State/SessionID.
	Initialize(handle SessionHandle)

	OnSessionOpened()

	// HandleAppData delivers one reassembled, demuxed application
	// buffer. Must not block.
	HandleAppData(data []byte)

	OnSessionClosed(reason DisconnectReason)
}

// NullApplication is a no-op ApplicationProtocol, useful as a test
// double and as the default when an embedder only cares about the
// transport.
type NullApplication struct {
	handle SessionHandle
}

func (n *NullApplication) SessionParams() ApplicationParameters { return ApplicationParameters{} }
func (n *NullApplication) Initialize(handle SessionHandle)      { n.handle = handle }
func (n *NullApplication) OnSessionOpened()                     {}
func (n *NullApplication) HandleAppData(data []byte)            {}
func (n *NullApplication) OnSessionClosed(reason DisconnectReason) {}
