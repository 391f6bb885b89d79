package device

import (
	"bufio"
	"os"
	"strings"

	"github.com/nilfs2/cleanerd"
)

// MountEntry is one matched line of /proc/mounts.
type MountEntry struct {
	Device     string
	MountPoint string
	FSType     string
	Options    []string
}

// FindMount resolves which mount point, if any, currently has devicePath
// mounted, by scanning /proc/mounts. It matches on the device path alone
// and does not check the file-system type; no command in this module
// calls it.
func FindMount(devicePath string) (MountEntry, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return MountEntry{}, err
	}
	defer f.Close()

	resolved, err := resolveSymlink(devicePath)
	if err != nil {
		resolved = devicePath
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		dev := fields[0]
		if devResolved, err := resolveSymlink(dev); err == nil {
			dev = devResolved
		}
		if dev != resolved {
			continue
		}
		return MountEntry{
			Device:     fields[0],
			MountPoint: fields[1],
			FSType:     fields[2],
			Options:    strings.Split(fields[3], ","),
		}, nil
	}
	if err := scanner.Err(); err != nil {
		return MountEntry{}, err
	}
	return MountEntry{}, cleanerd.ErrNotFound
}

func resolveSymlink(path string) (string, error) {
	return os.Readlink(path)
}
