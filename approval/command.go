package approval

import (
	"fmt"
	"strings"

	"github.com/gitwithintent/gwi/core"
)

// CommandVerb is the action a chat command requests.
type CommandVerb string

const (
	VerbApprove CommandVerb = "approve"
	VerbDeny    CommandVerb = "deny"
	VerbRevoke  CommandVerb = "revoke"
)

// Command is a parsed "/gwi ..." chat command.
type Command struct {
	// Verb is approve, deny, or revoke
	Verb CommandVerb

	// Target is the run, candidate, or PR the command addresses
	Target string

	// Scopes are the granted capabilities (approve only)
	Scopes []Scope

	// Reason is the denial explanation (deny only, mandatory)
	Reason string
}

// ParseCommand parses command strings of the forms:
//
//	/gwi approve <target> [--scopes <csv>]
//	/gwi deny <target> --reason <text>
//	/gwi revoke <target>
//
// Approve without scopes defaults to commit,push,open_pr. Deny without a
// reason and approve with an explicitly empty scope list are validation
// errors.
func ParseCommand(input string) (*Command, error) {
	fields := strings.Fields(strings.TrimSpace(input))
	if len(fields) < 2 || fields[0] != "/gwi" {
		return nil, validationErr("command must start with /gwi <verb>")
	}

	verb := CommandVerb(fields[1])
	switch verb {
	case VerbApprove, VerbDeny, VerbRevoke:
	default:
		return nil, validationErr(fmt.Sprintf("unknown verb %q (expected approve, deny, or revoke)", fields[1]))
	}

	if len(fields) < 3 || strings.HasPrefix(fields[2], "--") {
		return nil, validationErr(fmt.Sprintf("%s requires a target", verb))
	}

	cmd := &Command{Verb: verb, Target: fields[2]}

	args := fields[3:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--scopes":
			if verb != VerbApprove {
				return nil, validationErr("--scopes is only valid with approve")
			}
			if i+1 >= len(args) {
				return nil, validationErr("--scopes requires a value")
			}
			i++
			scopes, err := ParseScopes(args[i])
			if err != nil {
				return nil, err
			}
			cmd.Scopes = scopes
		case "--reason":
			if verb != VerbDeny {
				return nil, validationErr("--reason is only valid with deny")
			}
			// The reason is everything after the flag.
			if i+1 >= len(args) {
				return nil, validationErr("--reason requires a value")
			}
			cmd.Reason = strings.Join(args[i+1:], " ")
			i = len(args)
		default:
			return nil, validationErr(fmt.Sprintf("unknown argument %q", args[i]))
		}
	}

	if verb == VerbDeny && cmd.Reason == "" {
		return nil, validationErr("deny requires --reason")
	}
	if verb == VerbApprove && len(cmd.Scopes) == 0 {
		cmd.Scopes = []Scope{ScopeCommit, ScopePush, ScopeOpenPR}
	}
	return cmd, nil
}

// ParseScopes parses a comma-separated scope list. An empty list is a
// validation error: an approval that grants nothing is a mistake, not a
// grant.
func ParseScopes(csv string) ([]Scope, error) {
	var scopes []Scope
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s := Scope(part)
		if !s.Valid() {
			return nil, validationErr(fmt.Sprintf("unknown scope %q", part))
		}
		scopes = append(scopes, s)
	}
	if len(scopes) == 0 {
		return nil, validationErr("scope list is empty")
	}
	return scopes, nil
}

func validationErr(msg string) error {
	return core.NewError("approval.ParseCommand", core.KindValidation, fmt.Errorf("%s", msg))
}
