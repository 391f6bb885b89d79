// Command nilfs-resize shrinks a file system in place, evicting every
// segment outside the new size before issuing the kernel resize (§4.8).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nilfs2/cleanerd/pkg/config"
	"github.com/nilfs2/cleanerd/pkg/device"
	"github.com/nilfs2/cleanerd/pkg/shrink"
)

var progName = filepath.Base(os.Args[0])

func main() {
	sizeArg := flag.String("size", "", "new device size, e.g. 10GiB, 500MB, or a bare byte count (required)")
	flag.Parse()

	if flag.NArg() != 1 || *sizeArg == "" {
		fmt.Fprintf(os.Stderr, "usage: %s -size <new-size> <device>\n", progName)
		os.Exit(1)
	}
	devicePath := flag.Arg(0)

	newSize, err := parseSize(*sizeArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
		os.Exit(1)
	}

	logger := slog.Default()
	h, err := device.Open(devicePath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: opening %s: %v\n", progName, devicePath, err)
		os.Exit(1)
	}
	defer h.Close()

	res, err := shrink.Run(h, shrink.Params{NewSizeBytes: newSize}, logger, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
		os.Exit(1)
	}
	fmt.Printf("%s: resized to %d segments (evicted %d active, %d reclaimable, %d resize attempts)\n",
		progName, res.NewNSegments, res.EvictedActive, res.EvictedReclaimable, res.ResizeAttempts)
}

// parseSize accepts a bare byte count or a size with a binary/SI suffix,
// reusing the config package's suffix table (§6: "Size values accept ...
// kB/KiB/K/MB/MiB/M/.../EiB/E"). A percentage makes no sense for an
// absolute device size and is rejected.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	amount, err := config.ParseAmount(s)
	if err != nil {
		return 0, fmt.Errorf("invalid -size %q: %w", s, err)
	}
	if amount.IsPercent {
		return 0, fmt.Errorf("invalid -size %q: a percentage is not a valid absolute device size", s)
	}
	return amount.Absolute, nil
}
