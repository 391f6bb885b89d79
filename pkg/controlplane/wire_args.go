package controlplane

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// ErrTimedOut marks a WAIT that exceeded its deadline without the job
// completing (§5 "Cancellation": "WAIT may time out with ETIMEDOUT").
var ErrTimedOut = errors.New("controlplane: wait timed out")

// encodeRunArgs/decodeRunArgs: [dryRun:1][nsegs:4][segnum:8]*.
func encodeRunArgs(a RunArgs) []byte {
	buf := make([]byte, 5+8*len(a.Segments))
	if a.DryRun {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(a.Segments)))
	for i, s := range a.Segments {
		binary.LittleEndian.PutUint64(buf[5+8*i:5+8*i+8], s)
	}
	return buf
}

func decodeRunArgs(body []byte) (RunArgs, error) {
	if len(body) < 5 {
		return RunArgs{}, errShortBody
	}
	dryRun := body[0] != 0
	n := binary.LittleEndian.Uint32(body[1:5])
	want := 5 + 8*int(n)
	if len(body) < want {
		return RunArgs{}, errShortBody
	}
	segs := make([]uint64, n)
	for i := range segs {
		segs[i] = binary.LittleEndian.Uint64(body[5+8*i : 5+8*i+8])
	}
	return RunArgs{Segments: segs, DryRun: dryRun}, nil
}

var errShortBody = errors.New("controlplane: request body too short for command")

// encodeTuneArgs/decodeTuneArgs: [hasProt:1][prot:8][hasClean:1][clean:8],
// durations as float64 seconds.
func encodeTuneArgs(a TuneArgs) []byte {
	buf := make([]byte, 18)
	if a.HasProtectionPeriod {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:9], math.Float64bits(a.ProtectionPeriodSeconds))
	if a.HasCleaningInterval {
		buf[9] = 1
	}
	binary.LittleEndian.PutUint64(buf[10:18], math.Float64bits(a.CleaningIntervalSeconds))
	return buf
}

func decodeTuneArgs(body []byte) (TuneArgs, error) {
	if len(body) < 18 {
		return TuneArgs{}, errShortBody
	}
	return TuneArgs{
		HasProtectionPeriod:     body[0] != 0,
		ProtectionPeriodSeconds: math.Float64frombits(binary.LittleEndian.Uint64(body[1:9])),
		HasCleaningInterval:     body[9] != 0,
		CleaningIntervalSeconds: math.Float64frombits(binary.LittleEndian.Uint64(body[10:18])),
	}, nil
}

// encodeWaitArgs/decodeWaitArgs: [jobid:4][timeoutMillis:8], 0 meaning "no
// timeout" (poll until ready).
func encodeWaitArgs(jobID uint32, timeout time.Duration) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], jobID)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(timeout.Milliseconds()))
	return buf
}

func decodeWaitArgs(body []byte) (jobID uint32, timeout time.Duration) {
	if len(body) < 12 {
		return 0, 0
	}
	jobID = binary.LittleEndian.Uint32(body[0:4])
	ms := binary.LittleEndian.Uint64(body[4:12])
	return jobID, time.Duration(ms) * time.Millisecond
}
