package maintenance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatReviewRejectsLeadingZeroNodeID(t *testing.T) {
	t.Parallel()
	plan := ParsePlan("attach_record|01.2|M2_20260101000000000_abcdef|a summary")

	verdict, reason := FormatReview(plan, nil, nil)
	require.Equal(t, VerdictFailFatal, verdict)
	require.Contains(t, reason, "01.2")
}

func TestFormatReviewPassesWellFormedPlan(t *testing.T) {
	t.Parallel()
	plan := ParsePlan("create_node|root|a new subtopic|70")

	verdict, _ := FormatReview(plan, nil, nil)
	require.Equal(t, VerdictPass, verdict)
}

func TestFormatReviewRejectsOutOfRangeConfidence(t *testing.T) {
	t.Parallel()
	plan := ParsePlan("create_node|root|bad confidence|150")

	verdict, reason := FormatReview(plan, nil, nil)
	require.Equal(t, VerdictFailFatal, verdict)
	require.Contains(t, reason, "150")
}

func TestFormatReviewRejectsMissingParent(t *testing.T) {
	t.Parallel()
	plan := ParsePlan("create_node|9.9|orphan|70")

	verdict, reason := FormatReview(plan, func(string) bool { return false }, nil)
	require.Equal(t, VerdictFailFatal, verdict)
	require.Contains(t, reason, "9.9")
}

func TestFormatReviewRejectsSelfLoopAssociation(t *testing.T) {
	t.Parallel()
	plan := ParsePlan("create_association|1.1|1.1|0.5|related")

	verdict, _ := FormatReview(plan, nil, nil)
	require.Equal(t, VerdictFailFatal, verdict)
}

func TestFormatReviewRejectsDuplicateMutationTarget(t *testing.T) {
	t.Parallel()
	plan := ParsePlan("attach_record|1.1|M2_20260101000000000_abcdef|s1\nattach_record|1.1|M2_20260101000000000_abcdef|s2")

	verdict, _ := FormatReview(plan, nil, nil)
	require.Equal(t, VerdictFailFatal, verdict)
}
