// Package config parses the cleaner daemon's reloadable policy file: one
// keyword per line, durations and byte sizes accepting the suffix table
// §6 defines, unknown keywords warned rather than rejected (§4.6, §6).
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SelectionPolicy enumerates the segment-selection policies §4.6 names.
// Timestamp is the only one implemented; a selection_policy line naming
// any other is rejected by the config parser and the default is kept.
type SelectionPolicy string

const PolicyTimestamp SelectionPolicy = "timestamp"

// Policy holds every reloadable tunable from §4.6's table, defaulted the
// way the daemon expects when a keyword is absent from the file.
type Policy struct {
	ProtectionPeriod     time.Duration
	MinCleanSegments     Amount
	MaxCleanSegments     Amount
	CleanCheckInterval   time.Duration
	NSegmentsPerClean    uint32
	MCNSegmentsPerClean  uint32
	CleaningInterval     time.Duration
	MCCleaningInterval   time.Duration
	RetryInterval        time.Duration
	MinReclaimableBlocks uint64
	MCMinReclaimableBlocks uint64
	UseMmap              bool
	UseSetSuinfo         bool
	LogPriority          logrus.Level
	SelectionPolicy      SelectionPolicy
}

// maxSegmentsPerCleanClamp is the hard upper bound §4.6 places on both
// nsegments_per_clean and its mc_ variant.
const maxSegmentsPerCleanClamp = 32

// DefaultPolicy mirrors the values the daemon falls back to when the
// config file sets nothing at all.
func DefaultPolicy() Policy {
	return Policy{
		ProtectionPeriod:   10 * time.Minute,
		MinCleanSegments:   Amount{Percent: 5, IsPercent: true},
		MaxCleanSegments:   Amount{Percent: 10, IsPercent: true},
		CleanCheckInterval: 10 * time.Second,
		NSegmentsPerClean:  2,
		MCNSegmentsPerClean: 4,
		CleaningInterval:   5 * time.Second,
		MCCleaningInterval: 1 * time.Second,
		RetryInterval:      60 * time.Second,
		UseSetSuinfo:       true,
		LogPriority:        logrus.InfoLevel,
		SelectionPolicy:    PolicyTimestamp,
	}
}

// Amount is a threshold expressed either as an absolute block/byte count or
// as a percentage of some total known only at evaluation time (§6).
type Amount struct {
	Absolute uint64
	Percent  float64
	IsPercent bool
}

// Resolve returns the absolute count this Amount represents against total.
func (a Amount) Resolve(total uint64) uint64 {
	if a.IsPercent {
		return uint64(float64(total) * a.Percent / 100)
	}
	return a.Absolute
}

// Load reads and parses a policy file from path. Parse errors on a single
// line do not abort the load; per §6 an unknown keyword only warns, and a
// malformed value for a known keyword is logged and that line's default is
// kept, so a daemon reload never crashes on an operator typo.
func Load(path string, logger *logrus.Logger) (Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return Policy{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, logger)
}

// Parse reads a policy file from r, starting from DefaultPolicy and
// overriding whatever keywords appear.
func Parse(r io.Reader, logger *logrus.Logger) (Policy, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := DefaultPolicy()

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		keyword, args := fields[0], fields[1:]
		if len(args) > 15 {
			args = args[:15]
		}
		if err := applyKeyword(&p, keyword, args); err != nil {
			logger.Warnf("config:%d: %v", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Policy{}, fmt.Errorf("config: read: %w", err)
	}

	if p.NSegmentsPerClean > maxSegmentsPerCleanClamp {
		p.NSegmentsPerClean = maxSegmentsPerCleanClamp
	}
	if p.MCNSegmentsPerClean > maxSegmentsPerCleanClamp {
		p.MCNSegmentsPerClean = maxSegmentsPerCleanClamp
	}
	return p, nil
}

func applyKeyword(p *Policy, keyword string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("keyword %q requires an argument", keyword)
	}
	arg := args[0]

	switch keyword {
	case "protection_period":
		d, err := ParseDuration(arg)
		if err != nil {
			return err
		}
		p.ProtectionPeriod = d
	case "min_clean_segments":
		a, err := ParseAmount(arg)
		if err != nil {
			return err
		}
		p.MinCleanSegments = a
	case "max_clean_segments":
		a, err := ParseAmount(arg)
		if err != nil {
			return err
		}
		p.MaxCleanSegments = a
	case "clean_check_interval":
		d, err := ParseDuration(arg)
		if err != nil {
			return err
		}
		p.CleanCheckInterval = d
	case "nsegments_per_clean":
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return err
		}
		p.NSegmentsPerClean = uint32(n)
	case "mc_nsegments_per_clean":
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return err
		}
		p.MCNSegmentsPerClean = uint32(n)
	case "cleaning_interval":
		d, err := ParseDuration(arg)
		if err != nil {
			return err
		}
		p.CleaningInterval = d
	case "mc_cleaning_interval":
		d, err := ParseDuration(arg)
		if err != nil {
			return err
		}
		p.MCCleaningInterval = d
	case "retry_interval":
		d, err := ParseDuration(arg)
		if err != nil {
			return err
		}
		p.RetryInterval = d
	case "min_reclaimable_blocks":
		n, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return err
		}
		p.MinReclaimableBlocks = n
	case "mc_min_reclaimable_blocks":
		n, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return err
		}
		p.MCMinReclaimableBlocks = n
	case "use_mmap":
		b, err := strconv.ParseBool(arg)
		if err != nil {
			return err
		}
		p.UseMmap = b
	case "use_set_suinfo":
		b, err := strconv.ParseBool(arg)
		if err != nil {
			return err
		}
		p.UseSetSuinfo = b
	case "log_priority":
		lvl, err := logrus.ParseLevel(arg)
		if err != nil {
			return err
		}
		p.LogPriority = lvl
	case "selection_policy":
		if arg != string(PolicyTimestamp) {
			return fmt.Errorf("unsupported selection_policy %q", arg)
		}
		p.SelectionPolicy = SelectionPolicy(arg)
	default:
		return fmt.Errorf("unknown keyword %q", keyword)
	}
	return nil
}
