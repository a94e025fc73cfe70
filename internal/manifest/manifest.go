package manifest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// RunManifestVersion identifies the current schema version of run manifests.
const RunManifestVersion = "v1"

// RunManifestPayload captures the immutable payload that is signed for a run.
type RunManifestPayload struct {
	Version       string             `json:"version"`
	RunID         string             `json:"run_id"`
	ExperimentID  string             `json:"experiment_id"`
	FrameworkHash string             `json:"framework_hash"`
	CorpusHash    string             `json:"corpus_hash"`
	Model         string             `json:"model"`
	Documents     []ManifestDocument `json:"documents"`
	Result        RunManifestResult  `json:"result"`
	Artifacts     []ManifestArtifact `json:"artifacts,omitempty"`
	Budget        map[string]any     `json:"budget,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// ManifestDocument records one analyzed document and its content hash.
type ManifestDocument struct {
	ID    string `json:"id"`
	Hash  string `json:"hash"`
	Title string `json:"title,omitempty"`
}

// ManifestArtifact records one artifact produced during the run.
type ManifestArtifact struct {
	Hash       string `json:"hash"`
	Phase      string `json:"phase,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	MediaType  string `json:"media_type,omitempty"`
	Size       int64  `json:"size"`
}

// RunManifestResult summarises the run outcome for the manifest.
type RunManifestResult struct {
	Scores       map[string]map[string]float64 `json:"scores,omitempty"` // document -> dimension -> score
	Synthesis    json.RawMessage               `json:"synthesis,omitempty"`
	ModelsUsed   []string                      `json:"models_used,omitempty"`
	CostEstimate float64                       `json:"cost_estimate"`
	TokensUsed   int64                         `json:"tokens_used"`
	CacheHits    int                           `json:"cache_hits"`
	CacheMisses  int                           `json:"cache_misses"`
}

// SignedRunManifest captures the payload along with checksum and signature metadata.
type SignedRunManifest struct {
	Manifest  RunManifestPayload `json:"manifest"`
	Checksum  string             `json:"checksum"`
	Signature string             `json:"signature"`
	Algorithm string             `json:"algorithm"`
	SignedAt  time.Time          `json:"signed_at"`
}

// NormalizeArtifacts sorts artifacts by hash so the signed payload does not
// depend on collection order.
func (p *RunManifestPayload) NormalizeArtifacts() {
	sort.Slice(p.Artifacts, func(i, j int) bool { return p.Artifacts[i].Hash < p.Artifacts[j].Hash })
	sort.Slice(p.Documents, func(i, j int) bool { return p.Documents[i].ID < p.Documents[j].ID })
}

// Validate checks the payload carries the identifiers a manifest requires.
func (p RunManifestPayload) Validate() error {
	if p.RunID == "" || p.ExperimentID == "" {
		return fmt.Errorf("manifest missing identifiers")
	}
	if p.FrameworkHash == "" || p.CorpusHash == "" {
		return fmt.Errorf("manifest missing framework or corpus hash")
	}
	return nil
}

// SignRunManifest signs the payload using the provided secret and returns the signed manifest.
func SignRunManifest(payload RunManifestPayload, secret string, signedAt time.Time) (SignedRunManifest, error) {
	if secret == "" {
		return SignedRunManifest{}, fmt.Errorf("signing secret required")
	}
	if err := payload.Validate(); err != nil {
		return SignedRunManifest{}, err
	}
	if signedAt.IsZero() {
		signedAt = time.Now().UTC()
	}
	payload.NormalizeArtifacts()
	canonical, err := json.Marshal(payload)
	if err != nil {
		return SignedRunManifest{}, err
	}
	sum := sha256.Sum256(canonical)
	checksum := hex.EncodeToString(sum[:])

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	signature := hex.EncodeToString(mac.Sum(nil))

	return SignedRunManifest{
		Manifest:  payload,
		Checksum:  checksum,
		Signature: signature,
		Algorithm: "hmac-sha256",
		SignedAt:  signedAt.UTC(),
	}, nil
}

// VerifyRunManifest recomputes checksum/signature and ensures they match the stored values.
func VerifyRunManifest(signed SignedRunManifest, secret string) error {
	canonical, err := json.Marshal(signed.Manifest)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(canonical)
	expectedChecksum := hex.EncodeToString(sum[:])
	if signed.Checksum != expectedChecksum {
		return fmt.Errorf("checksum mismatch")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signed.Checksum))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expectedSignature), []byte(signed.Signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
