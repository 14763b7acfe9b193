package controlapi

import "google.golang.org/protobuf/encoding/protowire"

// Hello is the mandatory first message on a workload's output FIFO
// (§4.5): it carries the workload's supported protocol version.
type Hello struct {
	Version string
}

const helloVersionField protowire.Number = 1

func (h Hello) Marshal() []byte {
	return appendStringField(nil, helloVersionField, h.Version)
}

func UnmarshalHello(b []byte) (Hello, error) {
	var h Hello
	err := walkFields(b, func(f field) error {
		if f.num == helloVersionField {
			h.Version = fieldString(f)
		}
		return nil
	})
	return h, err
}

// ToAnkaiosKind discriminates the payload ToAnkaios carries.
type ToAnkaiosKind int32

const (
	ToAnkaiosUnknown ToAnkaiosKind = iota
	ToAnkaiosReadState
	ToAnkaiosWriteState
	ToAnkaiosLogsRequest
	ToAnkaiosLogsCancelRequest
)

// ToAnkaios is a workload→agent control-interface request.
type ToAnkaios struct {
	Kind           ToAnkaiosKind
	RequestID      string
	FieldMasks     []string // ReadState, WriteState
	WriteStateJSON []byte   // WriteState payload
	WorkloadNames  []string // LogsRequest
	SubscriptionID string   // LogsRequest, LogsCancelRequest
}

const (
	taKindField           protowire.Number = 1
	taRequestIDField      protowire.Number = 2
	taFieldMasksField     protowire.Number = 3
	taWriteStateField     protowire.Number = 4
	taWorkloadNamesField  protowire.Number = 5
	taSubscriptionIDField protowire.Number = 6
)

func (m ToAnkaios) Marshal() []byte {
	b := appendVarintField(nil, taKindField, uint64(m.Kind))
	b = appendStringField(b, taRequestIDField, m.RequestID)
	b = appendRepeatedString(b, taFieldMasksField, m.FieldMasks)
	b = appendBytesField(b, taWriteStateField, m.WriteStateJSON)
	b = appendRepeatedString(b, taWorkloadNamesField, m.WorkloadNames)
	b = appendStringField(b, taSubscriptionIDField, m.SubscriptionID)
	return b
}

func UnmarshalToAnkaios(b []byte) (ToAnkaios, error) {
	var m ToAnkaios
	err := walkFields(b, func(f field) error {
		switch f.num {
		case taKindField:
			m.Kind = ToAnkaiosKind(f.u64)
		case taRequestIDField:
			m.RequestID = fieldString(f)
		case taFieldMasksField:
			m.FieldMasks = append(m.FieldMasks, fieldString(f))
		case taWriteStateField:
			m.WriteStateJSON = append([]byte(nil), f.raw...)
		case taWorkloadNamesField:
			m.WorkloadNames = append(m.WorkloadNames, fieldString(f))
		case taSubscriptionIDField:
			m.SubscriptionID = fieldString(f)
		}
		return nil
	})
	return m, err
}

// FromAnkaiosKind discriminates the payload FromAnkaios carries.
type FromAnkaiosKind int32

const (
	FromAnkaiosUnknown FromAnkaiosKind = iota
	FromAnkaiosStateResult
	FromAnkaiosError
	FromAnkaiosLogEntries
	FromAnkaiosLogsStop
	FromAnkaiosConnectionClosed
)

// FromAnkaios is an agent→workload control-interface response.
type FromAnkaios struct {
	Kind           FromAnkaiosKind
	RequestID      string
	StateJSON      []byte
	ErrorMessage   string
	LogLines       []string
	SubscriptionID string
	CloseReason    string
}

const (
	faKindField           protowire.Number = 1
	faRequestIDField      protowire.Number = 2
	faStateField          protowire.Number = 3
	faErrorMessageField   protowire.Number = 4
	faLogLinesField       protowire.Number = 5
	faSubscriptionIDField protowire.Number = 6
	faCloseReasonField    protowire.Number = 7
)

func (m FromAnkaios) Marshal() []byte {
	b := appendVarintField(nil, faKindField, uint64(m.Kind))
	b = appendStringField(b, faRequestIDField, m.RequestID)
	b = appendBytesField(b, faStateField, m.StateJSON)
	b = appendStringField(b, faErrorMessageField, m.ErrorMessage)
	b = appendRepeatedString(b, faLogLinesField, m.LogLines)
	b = appendStringField(b, faSubscriptionIDField, m.SubscriptionID)
	b = appendStringField(b, faCloseReasonField, m.CloseReason)
	return b
}

func UnmarshalFromAnkaios(b []byte) (FromAnkaios, error) {
	var m FromAnkaios
	err := walkFields(b, func(f field) error {
		switch f.num {
		case faKindField:
			m.Kind = FromAnkaiosKind(f.u64)
		case faRequestIDField:
			m.RequestID = fieldString(f)
		case faStateField:
			m.StateJSON = append([]byte(nil), f.raw...)
		case faErrorMessageField:
			m.ErrorMessage = fieldString(f)
		case faLogLinesField:
			m.LogLines = append(m.LogLines, fieldString(f))
		case faSubscriptionIDField:
			m.SubscriptionID = fieldString(f)
		case faCloseReasonField:
			m.CloseReason = fieldString(f)
		}
		return nil
	})
	return m, err
}

// RewriteRequestIDToServer implements §4.5/§6's id-prefix rewriting:
// workload→server prepends "<workload_name>@".
func RewriteRequestIDToServer(workloadName, requestID string) string {
	return workloadName + "@" + requestID
}

// SplitServerRequestID strips the "<workload_name>@" prefix a response's
// request-id carries, returning the workload name and the original id.
func SplitServerRequestID(id string) (workloadName, original string, ok bool) {
	for i := 0; i < len(id); i++ {
		if id[i] == '@' {
			return id[:i], id[i+1:], true
		}
	}
	return "", "", false
}
