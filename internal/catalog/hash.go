package catalog

import (
	"encoding/hex"
	"encoding/json"

	"github.com/Masterminds/semver/v3"
	"github.com/zeebo/blake3"
)

// domainKey is a 32-byte BLAKE3 key separating hash domains.
type domainKey [32]byte

var (
	sourceDomainKey = domainKey{
		'a', 't', 'e', 'l', 'i', 'e', 'r', '.', 'c', 'a', 't', 'a', 'l', 'o', 'g', '.',
		's', 'o', 'u', 'r', 'c', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	toolDomainKey = domainKey{
		'a', 't', 'e', 'l', 'i', 'e', 'r', '.', 'c', 'a', 't', 'a', 'l', 'o', 'g', '.',
		't', 'o', 'o', 'l', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

const versionHashLen = 16

// HashSource returns the hex source hash of a tool-definition document.
func HashSource(data []byte) string {
	return keyedHash(sourceDomainKey, data)
}

func hashTool(spec ToolSpec) string {
	data, err := json.Marshal(struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
		Service     string         `json:"service"`
		Sensitivity string         `json:"sensitivity"`
		Compensate  *Compensation  `json:"compensate"`
	}{spec.Name, spec.Description, spec.Parameters, spec.Service, spec.Sensitivity, spec.Compensate})
	if err != nil {
		// Parameters come from YAML scalars and always marshal.
		panic("catalog: marshal tool for hashing: " + err.Error())
	}
	return keyedHash(toolDomainKey, data)
}

func keyedHash(key domainKey, data []byte) string {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("catalog: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// composeVersion attaches the source hash as semver build metadata to the
// declared version. An empty declaration means 0.0.0. An invalid declaration
// also falls back to 0.0.0 and is reported through the error, alongside a
// usable version.
func composeVersion(declared, sourceHash string) (string, error) {
	if declared == "" {
		declared = "0.0.0"
	}
	v, parseErr := semver.NewVersion(declared)
	if parseErr != nil {
		v = semver.MustParse("0.0.0")
	}

	short := sourceHash
	if len(short) > versionHashLen {
		short = short[:versionHashLen]
	}
	withMeta, err := v.SetMetadata(short)
	if err != nil {
		return v.String(), err
	}
	return withMeta.String(), parseErr
}
