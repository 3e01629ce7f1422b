// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IATI/refresher/pipeline"
)

func TestHashForIdentifier(t *testing.T) {
	require.Equal(t, "9d989e8d27dc9e0ec3389fc855f142c3d40f0c50", pipeline.HashForIdentifier("cat"))
}

func TestCleanIdentifier(t *testing.T) {
	require.Equal(t, "XM-DAC-41114", pipeline.CleanIdentifier(" XM-DAC-41114\n"))
	require.Equal(t, "AB-CD-123", pipeline.CleanIdentifier("\nAB-\r\nCD-123 "))
	require.Equal(t, "A B", pipeline.CleanIdentifier("A B"))
}
