// Package remediate implements the remediation gate: it decides whether
// to invoke the effector based on priority and policy, selects an action
// from a fixed policy table, and records the outcome.
package remediate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/sentineldrift/internal/pipeline/event"
)

// ActionKind is the finite set of remediation actions the fixed policy
// table may select. NONE means no remediation is defined for the
// (source, kind) pair.
type ActionKind string

const (
	ActionDisableCredential     ActionKind = "DISABLE_CREDENTIAL"
	ActionRevokeNetworkIngress  ActionKind = "REVOKE_NETWORK_INGRESS"
	ActionQuarantineInstance    ActionKind = "QUARANTINE_INSTANCE"
	ActionRotateSecret          ActionKind = "ROTATE_SECRET"
	ActionBlockAddress          ActionKind = "BLOCK_ADDRESS"
	ActionNone                  ActionKind = "NONE"
)

// Effector is the external actuator that performs a remediation action.
// It REQUIRES idempotency keyed by (event_id, action_kind); this package
// also de-duplicates locally as a second line of defense.
type Effector interface {
	Execute(ctx context.Context, eventID string, action ActionKind, e *event.Event) error
}

// Metrics is the subset of observability counters the gate increments.
type Metrics interface {
	IncOutcome(outcome string)
	ObserveDuration(d time.Duration)
}

// NoopMetrics discards all counter increments; useful in tests.
type NoopMetrics struct{}

func (NoopMetrics) IncOutcome(string)             {}
func (NoopMetrics) ObserveDuration(time.Duration) {}

// PolicyTable is the fixed (source, kind) -> action mapping. Per the
// specification's open question, entries absent from the table resolve to
// NONE; implementers must not invent a default action beyond that.
type PolicyTable map[string]map[string]ActionKind

// DefaultPolicyTable seeds the table with mappings grounded in the two
// concrete remediation actions the original system's remediation lambda
// performed: disabling compromised IAM credentials and revoking security
// group ingress from a malicious address.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		"detectora": {
			"UnauthorizedAccess:IAMUser/InstanceCredentialExfiltration": ActionDisableCredential,
			"UnauthorizedAccess:IAMUser/ConsoleLoginSuccess.B":          ActionDisableCredential,
			"Recon:EC2/PortProbeUnprotectedPort":                       ActionRevokeNetworkIngress,
			"UnauthorizedAccess:EC2/SSHBruteForce":                     ActionRevokeNetworkIngress,
			"Trojan:EC2/DNSDataExfiltration":                           ActionQuarantineInstance,
		},
		"detectorb": {
			"CredentialAccess": ActionRotateSecret,
			"NetworkIntrusion":  ActionBlockAddress,
		},
	}
}

// LoadPolicyTable parses a policy table from YAML, an operator-editable
// alternative to DefaultPolicyTable for deployments that need to tune the
// (source, kind) -> action mapping without a rebuild.
func LoadPolicyTable(yamlData []byte) (PolicyTable, error) {
	var t PolicyTable
	if err := yaml.Unmarshal(yamlData, &t); err != nil {
		return nil, fmt.Errorf("parsing policy table YAML: %w", err)
	}
	return t, nil
}

// ExportPolicyTable serializes a policy table to YAML for operator review
// or as a starting point for a LoadPolicyTable override file.
func ExportPolicyTable(t PolicyTable) ([]byte, error) {
	return yaml.Marshal(t)
}

// Lookup resolves the action for a (source, kind) pair, defaulting to
// NONE when absent.
func (t PolicyTable) Lookup(source, kind string) ActionKind {
	if bySource, ok := t[source]; ok {
		if action, ok := bySource[kind]; ok {
			return action
		}
	}
	return ActionNone
}

// Gate decides whether to invoke the effector and records the outcome.
type Gate struct {
	table    PolicyTable
	effector Effector
	metrics  Metrics

	mu       sync.Mutex
	executed map[string]struct{}
}

// New creates a Gate with the given policy table and effector.
func New(table PolicyTable, effector Effector, metrics Metrics) *Gate {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Gate{table: table, effector: effector, metrics: metrics, executed: make(map[string]struct{})}
}

// Fires reports whether the remediation gate fires, per the strict
// inequality rule and the FULL action policy requirement. Callers must
// read the action policy at decision time, not at ingestion time, so
// operators can dial FULL down to NOTIFY_ONLY without draining in-flight
// work.
func Fires(priorityScore float64, remediateThreshold int, actionPolicyFull bool) bool {
	if !actionPolicyFull {
		return false
	}
	return priorityScore > float64(remediateThreshold)
}

// Remediate selects an action and invokes the effector, or records a
// SKIPPED outcome when the table resolves to NONE. A single retry is
// attempted on effector failure; remediation failure does not prevent
// storing the alert or notifying.
func (g *Gate) Remediate(ctx context.Context, e *event.Event) *event.RemediationEnrichment {
	action := g.table.Lookup(e.Source, e.Kind)
	now := func() time.Time { return time.Now().UTC() }

	if action == ActionNone {
		g.metrics.IncOutcome("skipped")
		return &event.RemediationEnrichment{
			Attempted:   false,
			ActionKind:  string(ActionNone),
			Outcome:     event.RemediationSkipped,
			AttemptedAt: now(),
		}
	}

	start := time.Now()
	defer func() { g.metrics.ObserveDuration(time.Since(start)) }()

	dedupeKey := g.dedupeKey(e.EventID, action)
	if g.alreadyExecuted(dedupeKey) {
		g.metrics.IncOutcome("succeeded")
		return &event.RemediationEnrichment{
			Attempted:   true,
			ActionKind:  string(action),
			Outcome:     event.RemediationSucceeded,
			AttemptedAt: now(),
		}
	}

	err := g.effector.Execute(ctx, e.EventID, action, e)
	if err != nil {
		// single retry
		err = g.effector.Execute(ctx, e.EventID, action, e)
	}

	if err != nil {
		g.metrics.IncOutcome("failed")
		return &event.RemediationEnrichment{
			Attempted:   true,
			ActionKind:  string(action),
			Outcome:     event.RemediationFailed,
			Error:       fmt.Sprintf("%v: %v", event.ErrEffectorFailed, err),
			AttemptedAt: now(),
		}
	}

	g.markExecuted(dedupeKey)
	g.metrics.IncOutcome("succeeded")
	return &event.RemediationEnrichment{
		Attempted:   true,
		ActionKind:  string(action),
		Outcome:     event.RemediationSucceeded,
		AttemptedAt: now(),
	}
}

// dedupeKey is the first 16 hex characters of the SHA-256 digest of the
// (event_id, action_kind) tuple.
func (g *Gate) dedupeKey(eventID string, action ActionKind) string {
	sum := sha256.Sum256([]byte(eventID + "|" + string(action)))
	return hex.EncodeToString(sum[:])[:16]
}

func (g *Gate) alreadyExecuted(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.executed[key]
	return ok
}

func (g *Gate) markExecuted(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executed[key] = struct{}{}
}
