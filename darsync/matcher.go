package darsync

import (
	"bitbucket.org/govdigital/venues_backend/boleto"
	"bitbucket.org/govdigital/venues_backend/models"
)

type MatchOutcome int

const (
	MatchOutcomeUnmatched MatchOutcome = iota
	MatchOutcomeMatched
	MatchOutcomeAmbiguous
)

func (o MatchOutcome) String() string {
	switch o {
	case MatchOutcomeMatched:
		return "matched"
	case MatchOutcomeAmbiguous:
		return "ambiguous"
	default:
		return "unmatched"
	}
}

// MatchResult is a tagged decision: DocumentId is only meaningful when the
// outcome is Matched, Candidates only when Ambiguous. The engine never reads
// an id out of an ambiguous result.
type MatchResult struct {
	Outcome    MatchOutcome
	DocumentId int
	Candidates []int
}

// ResolveMatch decides how one external payment event relates to the open fee
// documents. A document is a candidate when its guide number, barcode or line
// digit equals the event's corresponding field after digits-only
// normalization; matching on several fields still counts it once. Exactly one
// candidate is a match, two or more are ambiguous and are never picked from.
func ResolveMatch(event PaymentEvent, candidates []models.FeeDocument) MatchResult {
	eventGuide := boleto.DigitsOnly(event.GuideNumber)
	eventBarcode := boleto.DigitsOnly(event.Barcode)
	eventLineDigit := boleto.DigitsOnly(event.LineDigit)

	var matched []int
	for _, doc := range candidates {
		if doc.Status != models.FeeDocumentStatusPending && doc.Status != models.FeeDocumentStatusOverdue {
			continue
		}
		if fieldsEqual(eventGuide, boleto.DigitsOnly(doc.GuideNumber)) ||
			fieldsEqual(eventBarcode, boleto.DigitsOnly(doc.Barcode)) ||
			fieldsEqual(eventLineDigit, boleto.DigitsOnly(doc.LineDigit)) {
			matched = append(matched, doc.ID)
		}
	}

	switch len(matched) {
	case 0:
		return MatchResult{Outcome: MatchOutcomeUnmatched}
	case 1:
		return MatchResult{Outcome: MatchOutcomeMatched, DocumentId: matched[0]}
	default:
		return MatchResult{Outcome: MatchOutcomeAmbiguous, Candidates: matched}
	}
}

// Absent identifiers never match each other.
func fieldsEqual(a, b string) bool {
	return a != "" && a == b
}

// externalReference is the stable key a payment event is deduplicated under
// across runs: the guide number when present, else the barcode, else the line
// digit, digits-only.
func externalReference(event PaymentEvent) string {
	if ref := boleto.DigitsOnly(event.GuideNumber); ref != "" {
		return ref
	}
	if ref := boleto.DigitsOnly(event.Barcode); ref != "" {
		return ref
	}
	return boleto.DigitsOnly(event.LineDigit)
}
