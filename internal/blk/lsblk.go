package blk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/puppetjoy/nest-cli/internal/shell"
)

var lsblkColumns = "NAME,PATH,SIZE,TYPE,MOUNTPOINT,FSTYPE,PKNAME"

// Inspect describes device and everything beneath it.
func Inspect(ctx context.Context, cmd shell.Commander, device string) (Device, error) {
	res, err := cmd.Query(ctx, "lsblk", "--bytes", "--json", "-o", lsblkColumns, device)
	if err != nil {
		return Device{}, err
	}
	devs, err := parse(res.Stdout)
	if err != nil {
		return Device{}, err
	}
	if len(devs) == 0 {
		return Device{}, fmt.Errorf("lsblk: no such device %s", device)
	}
	return devs[0], nil
}

// ParentDisk returns the whole disk that holds partition, or partition itself
// when it already is a disk.
func ParentDisk(ctx context.Context, cmd shell.Commander, partition string) (string, error) {
	d, err := Inspect(ctx, cmd, partition)
	if err != nil {
		return "", err
	}
	if d.Parent == "" || d.Type == "disk" {
		return d.Path, nil
	}
	return d.Parent, nil
}

// Mounted returns d and its descendants that have a mountpoint.
func (d Device) Mounted() []Device {
	var out []Device
	for _, x := range d.flatten() {
		if x.Mountpoint != "" {
			out = append(out, x)
		}
	}
	return out
}

func (d Device) flatten() []Device {
	out := []Device{d}
	for _, c := range d.Children {
		out = append(out, c.flatten()...)
	}
	return out
}

func parse(b []byte) ([]Device, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var tree rawTree
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("lsblk json: %w", err)
	}
	out := make([]Device, 0, len(tree.Blockdevices))
	for _, bd := range tree.Blockdevices {
		out = append(out, convert(bd))
	}
	return out, nil
}

func convert(n rawDevice) Device {
	d := Device{
		Name:       n.Name,
		Path:       firstNonEmpty(n.Path, "/dev/"+n.Name),
		SizeBytes:  normalizeSize(n.Size),
		Type:       n.Type,
		FSType:     deref(n.FSType),
		Mountpoint: deref(n.Mountpoint),
	}
	if pk := deref(n.PKName); pk != "" {
		d.Parent = "/dev/" + pk
	}
	for _, c := range n.Children {
		d.Children = append(d.Children, convert(c))
	}
	return d
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func normalizeSize(v any) uint64 {
	switch t := v.(type) {
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case json.Number:
		n, _ := t.Int64()
		if n < 0 {
			return 0
		}
		return uint64(n)
	case string:
		n, _ := strconv.ParseUint(strings.TrimSpace(t), 10, 64)
		return n
	default:
		return 0
	}
}
