// Package approval implements the signed-approval gate: loading approval
// documents from disk, verifying their Ed25519 signatures against a key
// store, and evaluating policy rules over the scopes they grant before a
// destructive pipeline phase may run.
package approval

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/gitwithintent/gwi/core"
)

// Scope is a named capability an approval grants.
type Scope string

const (
	ScopeCommit Scope = "commit"
	ScopePush   Scope = "push"
	ScopeOpenPR Scope = "open_pr"
	ScopeDeploy Scope = "deploy"
	ScopeDelete Scope = "delete"
)

// Valid reports whether the scope is one of the known capabilities.
func (s Scope) Valid() bool {
	switch s {
	case ScopeCommit, ScopePush, ScopeOpenPR, ScopeDeploy, ScopeDelete:
		return true
	}
	return false
}

// Decision is the approver's verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionRevoked  Decision = "revoked"
)

// ApproverRole orders approvers by authority. Destructive scopes demand
// the OWNER role.
type ApproverRole string

const (
	RoleOwner      ApproverRole = "OWNER"
	RoleMaintainer ApproverRole = "MAINTAINER"
	RoleMember     ApproverRole = "MEMBER"
)

// Approver identifies who signed.
type Approver struct {
	// Type is the approver kind: "user" or "system"
	Type string `json:"type"`

	// ID is the stable approver identity compared against the run actor
	ID string `json:"id"`

	// Email is informational
	Email string `json:"email,omitempty"`
}

// Target names what the approval covers. Exactly one of the id fields is
// set, selected by TargetType.
type Target struct {
	// TargetType is "run", "candidate", or "pr"
	TargetType string `json:"target_type"`

	RunID       string `json:"run_id,omitempty"`
	CandidateID string `json:"candidate_id,omitempty"`
	PRID        string `json:"pr_id,omitempty"`
}

// SignedApproval is a cryptographically-signed authorization granting
// scopes on a target. Approvals are immutable once written; any
// post-signing mutation invalidates the signature.
type SignedApproval struct {
	// ApprovalID is the unique identifier of this approval
	ApprovalID string `json:"approval_id"`

	// TenantID scopes the approval
	TenantID string `json:"tenant_id"`

	// Approver is who signed
	Approver Approver `json:"approver"`

	// ApproverRole is the approver's authority level
	ApproverRole ApproverRole `json:"approver_role"`

	// Decision is approved, denied, or revoked
	Decision Decision `json:"decision"`

	// ScopesApproved lists the granted capabilities
	ScopesApproved []Scope `json:"scopes_approved,omitempty"`

	// Target names what the approval covers
	Target Target `json:"target"`

	// IntentHash is the SHA-256 of the canonical plan the approver saw.
	// An approval whose hash does not match the executing plan is ignored.
	IntentHash string `json:"intent_hash,omitempty"`

	// Source records where the approval came from (cli, slack, api)
	Source string `json:"source,omitempty"`

	// SigningKeyID names the key in the key store
	SigningKeyID string `json:"signing_key_id"`

	// Signature is the hex Ed25519 signature over the canonical form of
	// every other field
	Signature string `json:"signature,omitempty"`

	// CreatedAt is when the approval was produced
	CreatedAt time.Time `json:"created_at"`
}

// NewApproval builds an unsigned approval with a fresh id.
func NewApproval(tenantID string, approver Approver, role ApproverRole, target Target, scopes []Scope) *SignedApproval {
	return &SignedApproval{
		ApprovalID:     uuid.New().String(),
		TenantID:       tenantID,
		Approver:       approver,
		ApproverRole:   role,
		Decision:       DecisionApproved,
		ScopesApproved: scopes,
		Target:         target,
		CreatedAt:      time.Now().UTC(),
	}
}

// Validate checks structural well-formedness before signing or loading.
func (a *SignedApproval) Validate() error {
	if a.ApprovalID == "" {
		return errors.New("approval_id is required")
	}
	if a.Approver.ID == "" {
		return errors.New("approver.id is required")
	}
	switch a.Decision {
	case DecisionApproved, DecisionDenied, DecisionRevoked:
	default:
		return fmt.Errorf("unknown decision %q", a.Decision)
	}
	if a.Decision == DecisionApproved && len(a.ScopesApproved) == 0 {
		return errors.New("approved decision requires at least one scope")
	}
	for _, s := range a.ScopesApproved {
		if !s.Valid() {
			return fmt.Errorf("unknown scope %q", s)
		}
	}
	switch a.Target.TargetType {
	case "run":
		if a.Target.RunID == "" {
			return errors.New("run target requires run_id")
		}
	case "candidate":
		if a.Target.CandidateID == "" {
			return errors.New("candidate target requires candidate_id")
		}
	case "pr":
		if a.Target.PRID == "" {
			return errors.New("pr target requires pr_id")
		}
	default:
		return fmt.Errorf("unknown target_type %q", a.Target.TargetType)
	}
	if a.SigningKeyID == "" {
		return errors.New("signing_key_id is required")
	}
	return nil
}

// signingBytes is the canonical byte representation the signature covers:
// the approval with its signature cleared, keys sorted, nulls omitted.
// Two serializations of the same logical approval always produce the same
// bytes, which is what makes signatures portable across processes.
func (a *SignedApproval) signingBytes() ([]byte, error) {
	unsigned := *a
	unsigned.Signature = ""
	unsigned.ScopesApproved = append([]Scope(nil), a.ScopesApproved...)
	sort.Slice(unsigned.ScopesApproved, func(i, j int) bool {
		return unsigned.ScopesApproved[i] < unsigned.ScopesApproved[j]
	})
	return core.MarshalCanonical(unsigned)
}

// Sign computes the approval's signature with the given private key and
// stamps the key id.
func Sign(a *SignedApproval, keyID string, priv ed25519.PrivateKey) error {
	a.SigningKeyID = keyID
	if err := a.Validate(); err != nil {
		return core.NewError("approval.Sign", core.KindValidation, err)
	}
	data, err := a.signingBytes()
	if err != nil {
		return core.NewError("approval.Sign", core.KindSignature, err)
	}
	a.Signature = hex.EncodeToString(ed25519.Sign(priv, data))
	return nil
}

// Verify checks the approval's signature against the registered public key
// for its signing key id. Missing keys, revoked keys, unsupported
// algorithms, and signature mismatches all reject.
func Verify(a *SignedApproval, keys KeyStore) error {
	if a.Signature == "" {
		return fmt.Errorf("approval %s carries no signature: %w", a.ApprovalID, core.ErrSignatureInvalid)
	}

	key, err := keys.Get(a.SigningKeyID)
	if err != nil {
		return err
	}
	if key.Revoked {
		return fmt.Errorf("key %s: %w", a.SigningKeyID, core.ErrSigningKeyRevoked)
	}
	if key.Algorithm != AlgorithmEd25519 {
		return fmt.Errorf("key %s uses unsupported algorithm %q: %w", a.SigningKeyID, key.Algorithm, core.ErrSignatureInvalid)
	}

	pub, err := key.publicKey()
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(a.Signature)
	if err != nil {
		return fmt.Errorf("approval %s signature is not hex: %w", a.ApprovalID, core.ErrSignatureInvalid)
	}
	data, err := a.signingBytes()
	if err != nil {
		return core.NewError("approval.Verify", core.KindSignature, err)
	}
	if !ed25519.Verify(pub, data, sig) {
		return fmt.Errorf("approval %s: %w", a.ApprovalID, core.ErrSignatureInvalid)
	}
	return nil
}

// ScopeUnion collects the distinct scopes granted across approvals.
func ScopeUnion(approvals []SignedApproval) map[Scope]bool {
	union := make(map[Scope]bool)
	for _, a := range approvals {
		for _, s := range a.ScopesApproved {
			union[s] = true
		}
	}
	return union
}

// MissingScopes returns the required scopes not covered by the union, in
// the order required lists them.
func MissingScopes(required []Scope, approvals []SignedApproval) []Scope {
	union := ScopeUnion(approvals)
	var missing []Scope
	for _, s := range required {
		if !union[s] {
			missing = append(missing, s)
		}
	}
	return missing
}
