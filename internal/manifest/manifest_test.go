package manifest

import (
	"testing"
	"time"
)

func samplePayload() RunManifestPayload {
	return RunManifestPayload{
		Version:       RunManifestVersion,
		RunID:         "run-1",
		ExperimentID:  "exp-1",
		FrameworkHash: "fw-hash",
		CorpusHash:    "corpus-hash",
		Model:         "gpt-4o",
		Documents: []ManifestDocument{
			{ID: "doc-2", Hash: "hash-2"},
			{ID: "doc-1", Hash: "hash-1"},
		},
		Artifacts: []ManifestArtifact{
			{Hash: "bbb", Phase: "evidence"},
			{Hash: "aaa", Phase: "analysis"},
		},
		Result: RunManifestResult{
			Scores: map[string]map[string]float64{
				"doc-1": {"anti_elitism": 0.7},
			},
			ModelsUsed:   []string{"gpt-4o"},
			CostEstimate: 1.25,
			TokensUsed:   42000,
			CacheHits:    3,
			CacheMisses:  5,
		},
		CreatedAt: time.Unix(10, 0).UTC(),
	}
}

func TestSignAndVerifyRunManifest(t *testing.T) {
	signed, err := SignRunManifest(samplePayload(), "secret", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("SignRunManifest: %v", err)
	}
	if signed.Checksum == "" || signed.Signature == "" {
		t.Fatalf("expected checksum and signature to be populated: %+v", signed)
	}
	if signed.Algorithm != "hmac-sha256" {
		t.Fatalf("unexpected algorithm: %s", signed.Algorithm)
	}
	if err := VerifyRunManifest(signed, "secret"); err != nil {
		t.Fatalf("VerifyRunManifest unexpected error: %v", err)
	}
	if err := VerifyRunManifest(signed, "wrong"); err == nil {
		t.Fatalf("expected signature mismatch")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	signed, err := SignRunManifest(samplePayload(), "secret", time.Time{})
	if err != nil {
		t.Fatalf("SignRunManifest: %v", err)
	}
	signed.Manifest.Result.CostEstimate = 0.01
	if err := VerifyRunManifest(signed, "secret"); err == nil {
		t.Fatalf("expected checksum mismatch after tampering")
	}
}

func TestSignNormalizesOrdering(t *testing.T) {
	a := samplePayload()
	b := samplePayload()
	b.Artifacts[0], b.Artifacts[1] = b.Artifacts[1], b.Artifacts[0]
	b.Documents[0], b.Documents[1] = b.Documents[1], b.Documents[0]

	sa, err := SignRunManifest(a, "secret", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("sign a: %v", err)
	}
	sb, err := SignRunManifest(b, "secret", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("sign b: %v", err)
	}
	if sa.Checksum != sb.Checksum {
		t.Fatalf("collection order must not change the checksum")
	}
}

func TestSignRejectsIncompletePayload(t *testing.T) {
	p := samplePayload()
	p.RunID = ""
	if _, err := SignRunManifest(p, "secret", time.Time{}); err == nil {
		t.Fatalf("expected error for missing run id")
	}
	p = samplePayload()
	p.FrameworkHash = ""
	if _, err := SignRunManifest(p, "secret", time.Time{}); err == nil {
		t.Fatalf("expected error for missing framework hash")
	}
	if _, err := SignRunManifest(samplePayload(), "", time.Time{}); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
