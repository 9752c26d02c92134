package workspace

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// MetaSuffix names the sidecar next to every tracked file and directory.
// The sidecar is TOML; its guid key binds the path to an asset identifier
// and survives moves done outside the tool.
const MetaSuffix = ".meta"

// readGUID returns the guid recorded in the sidecar of abs, or "".
func readGUID(abs string) (string, error) {
	fields, err := readMeta(abs)
	if err != nil {
		return "", err
	}
	guid, _ := fields["guid"].(string)
	return guid, nil
}

func readMeta(abs string) (map[string]any, error) {
	data, err := os.ReadFile(abs + MetaSuffix)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sidecar of %s: %w", abs, err)
	}
	fields := map[string]any{}
	if _, err := toml.Decode(string(data), &fields); err != nil {
		return nil, fmt.Errorf("decoding sidecar of %s: %w", abs, err)
	}
	return fields, nil
}

// writeGUID records guid in the sidecar of abs, keeping every other key.
func writeGUID(abs, guid string) error {
	fields, err := readMeta(abs)
	if err != nil {
		// An unreadable sidecar is replaced.
		fields = map[string]any{}
	}
	if fields["guid"] == guid {
		return nil
	}
	fields["guid"] = guid

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(fields); err != nil {
		return fmt.Errorf("encoding sidecar of %s: %w", abs, err)
	}
	return writeAtomic(abs+MetaSuffix, bytes.NewReader(buf.Bytes()))
}
