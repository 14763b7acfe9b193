package controlapi

import (
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cuemby/ankaios-agent/pkg/types"
)

// WorkloadStateWire is the flat wire shape of a types.WorkloadState used
// inside UpdateWorkloadState messages.
type WorkloadStateWire struct {
	WorkloadName   string
	ConfigHash     string
	AgentName      string
	Kind           string
	SubState       string
	AdditionalInfo string
}

func ToWorkloadStateWire(ws types.WorkloadState) WorkloadStateWire {
	return WorkloadStateWire{
		WorkloadName:   string(ws.InstanceName.WorkloadName),
		ConfigHash:     ws.InstanceName.ConfigHash,
		AgentName:      string(ws.InstanceName.AgentName),
		Kind:           string(ws.State.Kind),
		SubState:       string(ws.State.SubState),
		AdditionalInfo: ws.State.AdditionalInfo,
	}
}

func (w WorkloadStateWire) ToWorkloadState() types.WorkloadState {
	return types.WorkloadState{
		InstanceName: types.WorkloadInstanceName{
			WorkloadName: types.WorkloadName(w.WorkloadName),
			ConfigHash:   w.ConfigHash,
			AgentName:    types.AgentName(w.AgentName),
		},
		State: types.ExecutionState{
			Kind:           types.ExecutionStateKind(w.Kind),
			SubState:       types.ExecutionSubState(w.SubState),
			AdditionalInfo: w.AdditionalInfo,
		},
	}
}

const (
	wsWorkloadNameField protowire.Number = 1
	wsConfigHashField   protowire.Number = 2
	wsAgentNameField    protowire.Number = 3
	wsKindField         protowire.Number = 4
	wsSubStateField     protowire.Number = 5
	wsAdditionalField   protowire.Number = 6
)

func (w WorkloadStateWire) marshal() []byte {
	b := appendStringField(nil, wsWorkloadNameField, w.WorkloadName)
	b = appendStringField(b, wsConfigHashField, w.ConfigHash)
	b = appendStringField(b, wsAgentNameField, w.AgentName)
	b = appendStringField(b, wsKindField, w.Kind)
	b = appendStringField(b, wsSubStateField, w.SubState)
	b = appendStringField(b, wsAdditionalField, w.AdditionalInfo)
	return b
}

func unmarshalWorkloadStateWire(b []byte) (WorkloadStateWire, error) {
	var w WorkloadStateWire
	err := walkFields(b, func(f field) error {
		switch f.num {
		case wsWorkloadNameField:
			w.WorkloadName = fieldString(f)
		case wsConfigHashField:
			w.ConfigHash = fieldString(f)
		case wsAgentNameField:
			w.AgentName = fieldString(f)
		case wsKindField:
			w.Kind = fieldString(f)
		case wsSubStateField:
			w.SubState = fieldString(f)
		case wsAdditionalField:
			w.AdditionalInfo = fieldString(f)
		}
		return nil
	})
	return w, err
}

// WorkloadSpecWire is the flat wire shape of a types.WorkloadSpec used
// inside UpdateWorkload messages. Dependencies are encoded as
// "name=condition" pairs; files carry their mount points only, without
// content (the state-read/write payload itself travels as opaque JSON
// elsewhere; CompleteState stays opaque to the agent core).
type WorkloadSpecWire struct {
	WorkloadName  string
	ConfigHash    string
	AgentName     string
	RuntimeName   string
	RuntimeConfig string
	RestartPolicy string
	Dependencies  []string // "name=condition"
	FileMounts    []string // mount points only; file content is not carried
}

func ToWorkloadSpecWire(spec *types.WorkloadSpec) WorkloadSpecWire {
	w := WorkloadSpecWire{
		WorkloadName:  string(spec.InstanceName.WorkloadName),
		ConfigHash:    spec.InstanceName.ConfigHash,
		AgentName:     string(spec.InstanceName.AgentName),
		RuntimeName:   string(spec.RuntimeName),
		RuntimeConfig: spec.RuntimeConfig,
		RestartPolicy: string(spec.RestartPolicy),
	}
	for name, cond := range spec.Dependencies {
		w.Dependencies = append(w.Dependencies, string(name)+"="+string(cond))
	}
	for _, f := range spec.Files {
		w.FileMounts = append(w.FileMounts, f.MountPoint)
	}
	return w
}

func (w WorkloadSpecWire) ToWorkloadSpec() *types.WorkloadSpec {
	spec := &types.WorkloadSpec{
		InstanceName: types.WorkloadInstanceName{
			WorkloadName: types.WorkloadName(w.WorkloadName),
			ConfigHash:   w.ConfigHash,
			AgentName:    types.AgentName(w.AgentName),
		},
		RuntimeName:   types.RuntimeName(w.RuntimeName),
		RuntimeConfig: w.RuntimeConfig,
		RestartPolicy: types.RestartPolicy(w.RestartPolicy),
	}
	if len(w.Dependencies) > 0 {
		spec.Dependencies = make(map[types.WorkloadName]types.AddCondition, len(w.Dependencies))
		for _, pair := range w.Dependencies {
			if name, cond, ok := strings.Cut(pair, "="); ok {
				spec.Dependencies[types.WorkloadName(name)] = types.AddCondition(cond)
			}
		}
	}
	return spec
}

const (
	specWorkloadNameField  protowire.Number = 1
	specConfigHashField    protowire.Number = 2
	specAgentNameField     protowire.Number = 3
	specRuntimeNameField   protowire.Number = 4
	specRuntimeConfigField protowire.Number = 5
	specRestartPolicyField protowire.Number = 6
	specDependenciesField  protowire.Number = 7
	specFileMountsField    protowire.Number = 8
)

func (w WorkloadSpecWire) marshal() []byte {
	b := appendStringField(nil, specWorkloadNameField, w.WorkloadName)
	b = appendStringField(b, specConfigHashField, w.ConfigHash)
	b = appendStringField(b, specAgentNameField, w.AgentName)
	b = appendStringField(b, specRuntimeNameField, w.RuntimeName)
	b = appendStringField(b, specRuntimeConfigField, w.RuntimeConfig)
	b = appendStringField(b, specRestartPolicyField, w.RestartPolicy)
	b = appendRepeatedString(b, specDependenciesField, w.Dependencies)
	b = appendRepeatedString(b, specFileMountsField, w.FileMounts)
	return b
}

func unmarshalWorkloadSpecWire(b []byte) (WorkloadSpecWire, error) {
	var w WorkloadSpecWire
	err := walkFields(b, func(f field) error {
		switch f.num {
		case specWorkloadNameField:
			w.WorkloadName = fieldString(f)
		case specConfigHashField:
			w.ConfigHash = fieldString(f)
		case specAgentNameField:
			w.AgentName = fieldString(f)
		case specRuntimeNameField:
			w.RuntimeName = fieldString(f)
		case specRuntimeConfigField:
			w.RuntimeConfig = fieldString(f)
		case specRestartPolicyField:
			w.RestartPolicy = fieldString(f)
		case specDependenciesField:
			w.Dependencies = append(w.Dependencies, fieldString(f))
		case specFileMountsField:
			w.FileMounts = append(w.FileMounts, fieldString(f))
		}
		return nil
	})
	return w, err
}

// ToServerKind discriminates the payload ToServer carries.
type ToServerKind int32

const (
	ToServerUnknown ToServerKind = iota
	ToServerAgentHello
	ToServerUpdateWorkloadState
	ToServerRequest
	ToServerResponse
	ToServerAgentLoadStatus
	ToServerLogEntriesResponse
	ToServerLogsStopResponse
)

// ToServer is an agent→server message.
type ToServer struct {
	Kind            ToServerKind
	AgentName       string
	States          []WorkloadStateWire
	Request         []byte // a marshaled ToAnkaios, request-id already rewritten
	Response        []byte // a marshaled FromAnkaios
	CPUPercent      float64
	FreeMemoryBytes uint64
	SubscriptionID  string
	LogLines        []string
}

const (
	tsKindField           protowire.Number = 1
	tsAgentNameField      protowire.Number = 2
	tsStatesField         protowire.Number = 3
	tsRequestField        protowire.Number = 4
	tsResponseField       protowire.Number = 5
	tsCPUPercentField     protowire.Number = 6
	tsFreeMemoryField     protowire.Number = 7
	tsSubscriptionIDField protowire.Number = 8
	tsLogLinesField       protowire.Number = 9
)

func (m ToServer) Marshal() []byte {
	b := appendVarintField(nil, tsKindField, uint64(m.Kind))
	b = appendStringField(b, tsAgentNameField, m.AgentName)
	for _, s := range m.States {
		b = appendBytesField(b, tsStatesField, s.marshal())
	}
	b = appendBytesField(b, tsRequestField, m.Request)
	b = appendBytesField(b, tsResponseField, m.Response)
	b = appendVarintField(b, tsCPUPercentField, uint64(m.CPUPercent*100))
	b = appendVarintField(b, tsFreeMemoryField, m.FreeMemoryBytes)
	b = appendStringField(b, tsSubscriptionIDField, m.SubscriptionID)
	b = appendRepeatedString(b, tsLogLinesField, m.LogLines)
	return b
}

func UnmarshalToServer(b []byte) (ToServer, error) {
	var m ToServer
	err := walkFields(b, func(f field) error {
		switch f.num {
		case tsKindField:
			m.Kind = ToServerKind(f.u64)
		case tsAgentNameField:
			m.AgentName = fieldString(f)
		case tsStatesField:
			w, err := unmarshalWorkloadStateWire(f.raw)
			if err != nil {
				return err
			}
			m.States = append(m.States, w)
		case tsRequestField:
			m.Request = append([]byte(nil), f.raw...)
		case tsResponseField:
			m.Response = append([]byte(nil), f.raw...)
		case tsCPUPercentField:
			m.CPUPercent = float64(f.u64) / 100
		case tsFreeMemoryField:
			m.FreeMemoryBytes = f.u64
		case tsSubscriptionIDField:
			m.SubscriptionID = fieldString(f)
		case tsLogLinesField:
			m.LogLines = append(m.LogLines, fieldString(f))
		}
		return nil
	})
	return m, err
}

// FromServerKind discriminates the payload FromServer carries.
type FromServerKind int32

const (
	FromServerUnknown FromServerKind = iota
	FromServerUpdateWorkload
	FromServerUpdateWorkloadState
	FromServerResponse
	FromServerLogsRequest
	FromServerLogsCancelRequest
	FromServerServerGone
)

// FromServer is a server→agent message.
type FromServer struct {
	Kind           FromServerKind
	Added          []WorkloadSpecWire
	Deleted        []string // WorkloadInstanceName.String() form
	States         []WorkloadStateWire
	Response       []byte // a marshaled FromAnkaios, request-id still server-prefixed
	WorkloadNames  []string
	SubscriptionID string
}

const (
	fsKindField          protowire.Number = 1
	fsAddedField         protowire.Number = 2
	fsDeletedField       protowire.Number = 3
	fsStatesField        protowire.Number = 4
	fsResponseField      protowire.Number = 5
	fsWorkloadNamesField protowire.Number = 6
	fsSubscriptionIDField protowire.Number = 7
)

func (m FromServer) Marshal() []byte {
	b := appendVarintField(nil, fsKindField, uint64(m.Kind))
	for _, a := range m.Added {
		b = appendBytesField(b, fsAddedField, a.marshal())
	}
	b = appendRepeatedString(b, fsDeletedField, m.Deleted)
	for _, s := range m.States {
		b = appendBytesField(b, fsStatesField, s.marshal())
	}
	b = appendBytesField(b, fsResponseField, m.Response)
	b = appendRepeatedString(b, fsWorkloadNamesField, m.WorkloadNames)
	b = appendStringField(b, fsSubscriptionIDField, m.SubscriptionID)
	return b
}

func UnmarshalFromServer(b []byte) (FromServer, error) {
	var m FromServer
	err := walkFields(b, func(f field) error {
		switch f.num {
		case fsKindField:
			m.Kind = FromServerKind(f.u64)
		case fsAddedField:
			w, err := unmarshalWorkloadSpecWire(f.raw)
			if err != nil {
				return err
			}
			m.Added = append(m.Added, w)
		case fsDeletedField:
			m.Deleted = append(m.Deleted, fieldString(f))
		case fsStatesField:
			w, err := unmarshalWorkloadStateWire(f.raw)
			if err != nil {
				return err
			}
			m.States = append(m.States, w)
		case fsResponseField:
			m.Response = append([]byte(nil), f.raw...)
		case fsWorkloadNamesField:
			m.WorkloadNames = append(m.WorkloadNames, fieldString(f))
		case fsSubscriptionIDField:
			m.SubscriptionID = fieldString(f)
		}
		return nil
	})
	return m, err
}
