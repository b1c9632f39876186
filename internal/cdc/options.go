package cdc

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultLogTTL is how long log rows live when a table does not set a ttl.
const DefaultLogTTL = 24 * time.Hour

// Options are the per-table CDC settings.
type Options struct {
	Enabled   bool
	Preimage  bool
	Postimage bool
	// TTL of the log rows; zero keeps them forever.
	TTL time.Duration
}

func DefaultOptions() Options {
	return Options{TTL: DefaultLogTTL}
}

// ParseOptions reads options from their string map form. A map without an
// "enabled" key leaves CDC disabled and is otherwise ignored.
func ParseOptions(m map[string]string) (Options, error) {
	o := DefaultOptions()
	if _, ok := m["enabled"]; !ok {
		return o, nil
	}
	for k, v := range m {
		switch k {
		case "enabled":
			o.Enabled = v == "true"
		case "preimage":
			o.Preimage = v == "true"
		case "postimage":
			o.Postimage = v == "true"
		case "ttl":
			secs, err := strconv.Atoi(v)
			if err != nil {
				return Options{}, errors.Wrapf(err, "invalid CDC option: ttl %q", v)
			}
			if secs < 0 {
				return Options{}, errors.New("invalid CDC option: ttl must be >= 0")
			}
			o.TTL = time.Duration(secs) * time.Second
		default:
			return Options{}, errors.Newf("invalid CDC option: %s", k)
		}
	}
	return o, nil
}

// ToMap is the inverse of ParseOptions. Disabled options map to nothing.
func (o Options) ToMap() map[string]string {
	if !o.Enabled {
		return map[string]string{}
	}
	return map[string]string{
		"enabled":   "true",
		"preimage":  strconv.FormatBool(o.Preimage),
		"postimage": strconv.FormatBool(o.Postimage),
		"ttl":       strconv.Itoa(int(o.TTL / time.Second)),
	}
}

func (o Options) Images() ImageOptions {
	return ImageOptions{Preimage: o.Preimage, Postimage: o.Postimage}
}
