// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"fmt"

	"github.com/Thermoquad/exlink/pkg/exlink"
)

// Op names an operation in a Command
type Op string

const (
	OpQuery  Op = "query"
	OpSet    Op = "set"
	OpEnum   Op = "enum"
	OpPress  Op = "press"
	OpGroup  Op = "group"
	OpStatus Op = "status"
)

// Command is a serialisable request, as received over HTTP or MQTT
type Command struct {
	Op Op `json:"op"`
	// ID is the command, button, group or family, depending on Op
	ID     string         `json:"id,omitempty"`
	Value  *int           `json:"value,omitempty"`
	Values map[string]int `json:"values,omitempty"`
}

// MemberOutcome is the serialisable form of a MemberResult
type MemberOutcome struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Result is the outcome of Execute
type Result struct {
	Device  string          `json:"device"`
	Op      Op              `json:"op"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Value   *exlink.Value   `json:"value,omitempty"`
	Members []MemberOutcome `json:"members,omitempty"`
	State   DeviceState     `json:"state"`

	err error
}

// Err returns the error behind a failed result
func (r Result) Err() error {
	return r.err
}

// Execute dispatches a Command to the matching operation
func (s *Session) Execute(ctx context.Context, cmd Command) Result {
	res := Result{Device: s.id, Op: cmd.Op, ID: cmd.ID}

	var err error
	switch cmd.Op {
	case OpQuery:
		var v exlink.Value
		v, err = s.Query(ctx, exlink.ParseFamily(cmd.ID))
		if err == nil {
			res.Value = &v
		}
	case OpSet:
		if cmd.Value == nil {
			err = fmt.Errorf("%s: missing value: %w", cmd.ID, exlink.ErrInvalidParameter)
			break
		}
		err = s.SetInteger(ctx, cmd.ID, *cmd.Value)
	case OpEnum:
		err = s.SetEnum(ctx, cmd.ID)
	case OpPress:
		err = s.PressButton(ctx, cmd.ID)
	case OpGroup:
		var members []MemberResult
		members, err = s.SetGroupedIntegers(ctx, cmd.ID, cmd.Values)
		for _, m := range members {
			mo := MemberOutcome{ID: m.ID, Value: m.Value, OK: m.OK()}
			if m.Err != nil {
				mo.Error = m.Err.Error()
			}
			res.Members = append(res.Members, mo)
		}
	case OpStatus:
		_, err = s.RefreshStatus(ctx)
	default:
		err = fmt.Errorf("operation %q: %w", cmd.Op, exlink.ErrInvalidIdentifier)
	}

	res.err = err
	res.OK = err == nil
	if err != nil {
		res.Error = err.Error()
	}
	res.State = s.State()
	return res
}
