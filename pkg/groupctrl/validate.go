package groupctrl

import (
	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/types"
)

// Group size bounds: at least one instance, at most 256.
const (
	minGroupSize = 1
	maxGroupSize = 256
)

// validateGroup runs every pre-flight check that must pass before a group
// is scheduled at all: total size within bounds, no caller-supplied
// instance id, consistent affinity keys under STRICT_PACK, and no mixing
// of range (elastic, Step > 0) and ordinary member requests.
func validateGroup(group types.Group) error {
	hasRange, hasOrdinary := false, false
	total := 0

	for _, m := range group.Members {
		if m.InstanceID != "" {
			return errs.New(errs.ParamInvalid, "group %s: member %q must not set a caller-supplied instance id", group.ID, m.Name)
		}
		if m.Max <= 0 {
			return errs.New(errs.ParamInvalid, "group %s: member %q has non-positive max %d", group.ID, m.Name, m.Max)
		}
		if m.Min < 0 || m.Min > m.Max {
			return errs.New(errs.ParamInvalid, "group %s: member %q has invalid min/max (%d/%d)", group.ID, m.Name, m.Min, m.Max)
		}
		if m.Step > 0 {
			hasRange = true
		} else {
			hasOrdinary = true
		}
		total += m.Max
	}

	if hasRange && hasOrdinary {
		return errs.New(errs.ParamInvalid, "group %s: range requests cannot mix with ordinary requests", group.ID)
	}
	if total < minGroupSize || total > maxGroupSize {
		return errs.New(errs.ParamInvalid, "group %s: total instance count %d outside bounds [%d, %d]", group.ID, total, minGroupSize, maxGroupSize)
	}

	if group.Policy == types.PolicyStrictPack {
		key, seen := "", false
		for _, m := range group.Members {
			if m.AffinityKey == "" {
				continue
			}
			if !seen {
				key, seen = m.AffinityKey, true
				continue
			}
			if m.AffinityKey != key {
				return errs.New(errs.ParamInvalid, "group %s: STRICT_PACK members have inconsistent affinity keys (%q vs %q)", group.ID, key, m.AffinityKey)
			}
		}
	}

	return nil
}
