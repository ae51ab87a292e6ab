// Package wire defines the shared data model for the component/core protocol:
// endpoint kinds, message status values, and the fixed-width framing
// constants every other package builds on.
package wire

import "fmt"

// EndpointKind enumerates the communication-terminal kinds an endpoint can
// declare.
type EndpointKind string

const (
	KindSRC     EndpointKind = "SRC"
	KindSNK     EndpointKind = "SNK"
	KindSS      EndpointKind = "SS" // source/sink combined
	KindREQ     EndpointKind = "REQ"
	KindRESP    EndpointKind = "RESP"
	KindREQP    EndpointKind = "REQ_P"
	KindRESPP   EndpointKind = "RESP_P"
	KindRR      EndpointKind = "RR"
	KindRRP     EndpointKind = "RR_P"
	KindSTRSRC  EndpointKind = "STR_SRC"
	KindSTRSNK  EndpointKind = "STR_SNK"
)

// Status is the message status enum carried on both the component↔core
// frames and peer-to-peer frames.
type Status string

const (
	StatusHELLO      Status = "HELLO"
	StatusHELLOACK   Status = "HELLO_ACK"
	StatusAUTH       Status = "AUTH"
	StatusAUTHACK    Status = "AUTH_ACK"
	StatusMAP        Status = "MAP"
	StatusMAPACK     Status = "MAP_ACK"
	StatusUNMAP      Status = "UNMAP"
	StatusUNMAPACK   Status = "UNMAP_ACK"
	StatusMSG        Status = "MSG"
	StatusREQ        Status = "REQ"
	StatusRESPNEXT   Status = "RESP_NEXT"
	StatusRESPLAST   Status = "RESP_LAST"
	StatusSTREAM     Status = "STREAM"
	StatusSTREAMCMD  Status = "STREAM_CMD"
	StatusCMD        Status = "CMD"
	StatusNONE       Status = "NONE"
)

// ConnState is the per-connection protocol state.
type ConnState int

const (
	StateHELLOS ConnState = iota
	StateHELLO2
	StateHELLOACKS
	StateAUTH
	StateAUTH2
	StateAUTHACK
	StateMAP
	StateMAPACK
	StateEXTMSG
	StateFIRSTMSG
	StateAPPMSG
	StateCLOSED
)

func (s ConnState) String() string {
	switch s {
	case StateHELLOS:
		return "HELLO_S"
	case StateHELLO2:
		return "HELLO_2"
	case StateHELLOACKS:
		return "HELLO_ACK_S"
	case StateAUTH:
		return "AUTH"
	case StateAUTH2:
		return "AUTH_2"
	case StateAUTHACK:
		return "AUTH_ACK"
	case StateMAP:
		return "MAP"
	case StateMAPACK:
		return "MAP_ACK"
	case StateEXTMSG:
		return "EXT_MSG"
	case StateFIRSTMSG:
		return "FIRST_MSG"
	case StateAPPMSG:
		return "APP_MSG"
	case StateCLOSED:
		return "CLOSED"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// ReturnKind is the dispatch-table return type tag, always 3 bytes on the
// wire.
type ReturnKind string

const (
	ReturnVoi ReturnKind = "voi"
	ReturnInt ReturnKind = "int"
	ReturnStr ReturnKind = "str"
	ReturnMsg ReturnKind = "msg"
)

// Direction is the command-frame direction tag. Commands issued by the
// component omit the tag entirely.
type Direction byte

const (
	DirDelivery Direction = 'a' // core -> component, unsolicited delivery
	DirReply    Direction = 'b' // core -> component, reply to a blocking call
)

// Fixed wire widths shared by the codec and dispatch tables.
const (
	FunctionIDWidth = 17
	ModuleIDWidth   = 4
	ReturnTypeWidth = 3
	MessageIDWidth  = 10
	LengthWidth     = 10
	EndpointIDWidth = 10
)

// Message is the logical unit routed by the core.
type Message struct {
	Status      Status
	MsgID       string
	EndpointID  string
	Body        []byte
	ResponseID  string // set when this message answers a REQ (RespNext/RespLast)
	SrcModule   string
	SrcConn     int
}

// IsResponse reports whether the message's status is one of the two
// response-carrying statuses.
func (m Message) IsResponse() bool {
	return m.Status == StatusRESPNEXT || m.Status == StatusRESPLAST
}
