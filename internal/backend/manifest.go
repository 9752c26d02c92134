package backend

import (
	"bytes"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"assetsync/internal/asset"
)

// manifest is the TOML document stored at changesets/<n>.toml.
type manifest struct {
	Number      int            `toml:"number"`
	Description string         `toml:"description"`
	User        string         `toml:"user"`
	Time        time.Time      `toml:"time"`
	Items       []manifestItem `toml:"items"`
}

type manifestItem struct {
	ID      string           `toml:"id"`
	Name    string           `toml:"name"`
	Parent  string           `toml:"parent"`
	Type    string           `toml:"type"`
	Digest  string           `toml:"digest,omitempty"`
	Streams []manifestStream `toml:"streams,omitempty"`
}

// manifestStream points at the content-addressed blob holding one stream.
type manifestStream struct {
	Kind   string `toml:"kind"`
	Digest string `toml:"digest"`
	Size   int64  `toml:"size"`
}

func changesetKey(n int) string { return fmt.Sprintf("changesets/%08d.toml", n) }

func blobKey(digest string) string { return "blobs/" + digest }

func encodeManifest(m *manifest) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("encoding manifest %d: %w", m.Number, err)
	}
	return buf.Bytes(), nil
}

func decodeManifest(data []byte) (*manifest, error) {
	var m manifest
	if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

func (m *manifest) item(id string) *manifestItem {
	for i := range m.Items {
		if m.Items[i].ID == id {
			return &m.Items[i]
		}
	}
	return nil
}

func (mi *manifestItem) stream(kind asset.StreamKind) *manifestStream {
	for i := range mi.Streams {
		if mi.Streams[i].Kind == kind.String() {
			return &mi.Streams[i]
		}
	}
	return nil
}

// changeset converts the manifest into the engine's representation.
func (m *manifest) changeset() (*asset.Changeset, error) {
	cs := &asset.Changeset{
		Number:      m.Number,
		Description: m.Description,
		User:        m.User,
		Date:        m.Time,
	}
	for _, mi := range m.Items {
		typ, err := asset.ParseItemType(mi.Type)
		if err != nil {
			return nil, fmt.Errorf("changeset %d item %s: %w", m.Number, mi.ID, err)
		}
		cs.Items = append(cs.Items, &asset.Item{
			ID:        mi.ID,
			Name:      mi.Name,
			Parent:    mi.Parent,
			Changeset: m.Number,
			Digest:    mi.Digest,
			Type:      typ,
			Origin:    asset.FromServer,
		})
	}
	return cs, nil
}
