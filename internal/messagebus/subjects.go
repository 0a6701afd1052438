package messagebus

import (
	"fmt"
	"strings"
)

// Request/reply operations served by Server.
const (
	OpCreateTask      = "tasks.create"
	OpCancelTask      = "tasks.cancel"
	OpGetTask         = "tasks.get"
	OpRegisterAgent   = "agents.register"
	OpDeregisterAgent = "agents.deregister"
	OpHealth          = "health"
)

// Subjects derives every subject name from a single prefix:
//
//	<prefix>.events.<event type>        JetStream, engine events
//	<prefix>.api.<op>                   request/reply
//	<prefix>.agents.<id>.heartbeat      agent -> engine
//	<prefix>.agents.<id>.assign         engine -> agent
//	<prefix>.agents.<id>.cancel         engine -> agent
//	<prefix>.results                    agent -> engine
type Subjects struct {
	Prefix string
}

func (s Subjects) Events() string { return s.Prefix + ".events" }

// Event returns the subject for an event type such as "task.transition".
func (s Subjects) Event(eventType string) string { return s.Events() + "." + eventType }

func (s Subjects) API(op string) string { return s.Prefix + ".api." + op }

func (s Subjects) Heartbeat(agentID string) string { return s.agent(agentID) + ".heartbeat" }

// Heartbeats matches the heartbeat subject of every agent.
func (s Subjects) Heartbeats() string { return s.Prefix + ".agents.*.heartbeat" }

func (s Subjects) Assign(agentID string) string { return s.agent(agentID) + ".assign" }
func (s Subjects) Cancel(agentID string) string { return s.agent(agentID) + ".cancel" }
func (s Subjects) Results() string              { return s.Prefix + ".results" }

func (s Subjects) agent(id string) string { return s.Prefix + ".agents." + id }

// AgentFromHeartbeat extracts the agent id from a heartbeat subject.
func (s Subjects) AgentFromHeartbeat(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, s.Prefix+".agents.")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ".heartbeat")
	if !ok || ValidateToken(id) != nil {
		return "", false
	}
	return id, true
}

// ValidateToken checks that id can be used as a single subject token.
func ValidateToken(id string) error {
	if id == "" {
		return fmt.Errorf("empty subject token")
	}
	if strings.ContainsAny(id, ".*> \t\r\n") {
		return fmt.Errorf("%q is not a valid subject token", id)
	}
	return nil
}
