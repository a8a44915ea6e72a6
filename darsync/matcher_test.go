package darsync

import (
	"testing"

	"bitbucket.org/govdigital/venues_backend/models"
)

func openDoc(id int, guide, barcode, lineDigit string) models.FeeDocument {
	return models.FeeDocument{
		ID:          id,
		Status:      models.FeeDocumentStatusPending,
		GuideNumber: guide,
		Barcode:     barcode,
		LineDigit:   lineDigit,
	}
}

func TestResolveMatch_SingleCandidatePerField(t *testing.T) {
	docs := []models.FeeDocument{
		openDoc(1, "2024001", "00193373700000001000500940144816060680935031", ""),
		openDoc(2, "2024002", "", "00190500954014481606906809350314337370000000100"),
		openDoc(3, "2024003", "", ""),
	}

	cases := []struct {
		name     string
		event    PaymentEvent
		expected int
	}{
		{"by guide", PaymentEvent{GuideNumber: "2024003"}, 3},
		{"by barcode", PaymentEvent{Barcode: "00193373700000001000500940144816060680935031"}, 1},
		{"by line digit", PaymentEvent{LineDigit: "00190500954014481606906809350314337370000000100"}, 2},
		{"formatted guide", PaymentEvent{GuideNumber: "2024-001"}, 1},
		{"formatted line digit", PaymentEvent{LineDigit: "00190.50095 40144.816069 06809.350314 3 37370000000100"}, 2},
	}
	for _, tc := range cases {
		result := ResolveMatch(tc.event, docs)
		if result.Outcome != MatchOutcomeMatched {
			t.Fatalf("%s: expected matched, got %v", tc.name, result.Outcome)
		}
		if result.DocumentId != tc.expected {
			t.Fatalf("%s: expected document %d, got %d", tc.name, tc.expected, result.DocumentId)
		}
	}
}

func TestResolveMatch_NoCandidates(t *testing.T) {
	docs := []models.FeeDocument{
		openDoc(1, "2024001", "", ""),
	}
	result := ResolveMatch(PaymentEvent{GuideNumber: "999999"}, docs)
	if result.Outcome != MatchOutcomeUnmatched {
		t.Fatalf("expected unmatched, got %v", result.Outcome)
	}
}

func TestResolveMatch_EmptyFieldsNeverMatch(t *testing.T) {
	// Document without a barcode must not match an event without a barcode.
	docs := []models.FeeDocument{
		openDoc(1, "2024001", "", ""),
	}
	result := ResolveMatch(PaymentEvent{PayerName: "Fulano"}, docs)
	if result.Outcome != MatchOutcomeUnmatched {
		t.Fatalf("expected unmatched for empty identifiers, got %v", result.Outcome)
	}
}

func TestResolveMatch_MultiFieldHitIsOneCandidate(t *testing.T) {
	docs := []models.FeeDocument{
		openDoc(1, "2024001", "00193373700000001000500940144816060680935031", "00190500954014481606906809350314337370000000100"),
	}
	event := PaymentEvent{
		GuideNumber: "2024001",
		Barcode:     "00193373700000001000500940144816060680935031",
		LineDigit:   "00190500954014481606906809350314337370000000100",
	}
	result := ResolveMatch(event, docs)
	if result.Outcome != MatchOutcomeMatched || result.DocumentId != 1 {
		t.Fatalf("expected single match on document 1, got %+v", result)
	}
}

func TestResolveMatch_SharedBarcodeIsAmbiguous(t *testing.T) {
	barcode := "00193373700000001000500940144816060680935031"
	docs := []models.FeeDocument{
		openDoc(1, "2024001", barcode, ""),
		openDoc(2, "2024002", barcode, ""),
	}
	result := ResolveMatch(PaymentEvent{Barcode: barcode}, docs)
	if result.Outcome != MatchOutcomeAmbiguous {
		t.Fatalf("expected ambiguous, got %v", result.Outcome)
	}
	if len(result.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %v", result.Candidates)
	}
}

func TestResolveMatch_SkipsClosedDocuments(t *testing.T) {
	barcode := "00193373700000001000500940144816060680935031"
	paid := openDoc(1, "", barcode, "")
	paid.Status = models.FeeDocumentStatusPaid
	docs := []models.FeeDocument{
		paid,
		openDoc(2, "", barcode, ""),
	}
	result := ResolveMatch(PaymentEvent{Barcode: barcode}, docs)
	if result.Outcome != MatchOutcomeMatched || result.DocumentId != 2 {
		t.Fatalf("expected match on the open document only, got %+v", result)
	}
}

func TestExternalReference_Priority(t *testing.T) {
	cases := []struct {
		event    PaymentEvent
		expected string
	}{
		{PaymentEvent{GuideNumber: "2024-001", Barcode: "123"}, "2024001"},
		{PaymentEvent{Barcode: "123 456"}, "123456"},
		{PaymentEvent{LineDigit: "789"}, "789"},
		{PaymentEvent{}, ""},
	}
	for _, tc := range cases {
		if got := externalReference(tc.event); got != tc.expected {
			t.Fatalf("externalReference(%+v) expected %q, got %q", tc.event, tc.expected, got)
		}
	}
}
