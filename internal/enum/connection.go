package enum

type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionFailed       ConnectionStatus = "failed"
)

func (t ConnectionStatus) String() string {
	return string(t)
}

type Protocol string

const (
	ProtocolIMAP Protocol = "imap"
	ProtocolPOP3 Protocol = "pop3"
	ProtocolSMTP Protocol = "smtp"
)

func (t Protocol) String() string {
	return string(t)
}
