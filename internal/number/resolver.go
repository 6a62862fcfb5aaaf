package number

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/sgallego/callplane/internal/sid"
)

// dialable matches strings made of digits, '*', '#', and '+' only. Pattern
// evaluation is attempted only for inputs of this shape.
var dialable = regexp.MustCompile(`^[0-9*#+]+$`)

// Resolver finds the provisioned number that should handle a dialed
// address. The main logic is:
//   - find a perfect match using the address in different formats;
//   - if not matched, evaluate the destination organization's patterns;
//   - if not matched, try the special "*" catch-all.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver over the given registry.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Candidates builds the list of strings to match for a dialed address:
// the address itself, its E.164 form when it is a plain number, and a
// toggled leading-plus variant. Order is significant and duplicates are
// dropped.
func (r *Resolver) Candidates(phone string) []string {
	queries := make([]string, 0, 3)
	queries = append(queries, phone)

	if !strings.ContainsAny(phone, "*#") {
		if e164, ok := NormalizeE164(phone); ok && !contains(queries, e164) {
			queries = append(queries, e164)
		}
	}

	if strings.HasPrefix(phone, "+") {
		noPlus := strings.TrimPrefix(phone, "+")
		if !contains(queries, noPlus) {
			queries = append(queries, noPlus)
		}
	} else {
		plus := "+" + phone
		if !contains(queries, plus) {
			queries = append(queries, plus)
		}
	}
	return queries
}

// Resolve returns the provisioned number for a dialed address, or nil when
// nothing matches. A nil result is a routing decision, not an error; the
// caller reports it as a routing failure.
//
// When either organization is unknown, or the organizations differ,
// pure-SIP numbers are excluded from matching. This silently narrows
// single-tenant deployments to carrier-routed numbers; it is a policy
// choice carried over from the provisioning model, not an oversight.
func (r *Resolver) Resolve(ctx context.Context, phone string, sourceOrg, destOrg sid.Sid) (*IncomingPhoneNumber, error) {
	slog.Debug("[Number] Resolving", "phone", phone, "src_org", sourceOrg, "dest_org", destOrg)

	candidates := r.Candidates(phone)

	found, err := r.findByNumber(ctx, candidates, sourceOrg, destOrg)
	if err != nil {
		return nil, err
	}
	if found == nil && !destOrg.IsZero() && dialable.MatchString(phone) {
		found, err = r.findByPattern(ctx, candidates, destOrg)
		if err != nil {
			return nil, err
		}
	}
	if found == nil {
		found, err = r.findSingle(ctx, "*", sourceOrg, destOrg)
		if err != nil {
			return nil, err
		}
	}

	if found == nil {
		slog.Debug("[Number] No provisioned number matched", "phone", phone)
	}
	return found, nil
}

// findByNumber attempts an exact match for each candidate in order.
func (r *Resolver) findByNumber(ctx context.Context, candidates []string, sourceOrg, destOrg sid.Sid) (*IncomingPhoneNumber, error) {
	for _, candidate := range candidates {
		found, err := r.findSingle(ctx, candidate, sourceOrg, destOrg)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
	}
	return nil, nil
}

// findSingle performs one exact lookup with organization scoping applied.
func (r *Resolver) findSingle(ctx context.Context, phone string, sourceOrg, destOrg sid.Sid) (*IncomingPhoneNumber, error) {
	f := Filter{PhoneNumber: phone, OrganizationSid: destOrg}

	// Unknown organizations restrict the search to carrier-routed numbers.
	if sourceOrg.IsZero() || destOrg.IsZero() {
		f.ExcludePureSIP = true
	}
	// Pure-SIP numbers never match across organizations.
	if !sourceOrg.IsZero() && sourceOrg != destOrg {
		f.ExcludePureSIP = true
	}

	matches, err := r.store.FindExact(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	// Exact lookups expect a perfect match, so the first result wins.
	return matches[0], nil
}

// findByPattern evaluates the destination organization's pattern numbers
// against the candidate list, longest pattern first, returning the first
// pattern that matches any candidate.
func (r *Resolver) findByPattern(ctx context.Context, candidates []string, destOrg sid.Sid) (*IncomingPhoneNumber, error) {
	patterns, err := r.store.FindPatterns(ctx, destOrg)
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	ordered := make([]*IncomingPhoneNumber, len(patterns))
	copy(ordered, patterns)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].PhoneNumber) > len(ordered[j].PhoneNumber)
	})

	for _, p := range ordered {
		re, err := compilePattern(p.PhoneNumber)
		if err != nil {
			slog.Debug("[Number] Skipping uncompilable pattern", "pattern", p.PhoneNumber, "error", err)
			continue
		}
		for _, candidate := range candidates {
			if re.MatchString(candidate) {
				return p, nil
			}
		}
	}
	return nil, nil
}

// compilePattern compiles a provisioned pattern. Leading '+' or '*' signs
// are escaped so they read as the expected literal characters rather than
// regex operators.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	switch {
	case strings.HasPrefix(pattern, "+"):
		pattern = strings.ReplaceAll(pattern, "+", `\+`)
	case strings.HasPrefix(pattern, "*"):
		pattern = strings.ReplaceAll(pattern, "*", `\*`)
	}
	return regexp.Compile(pattern)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
