// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IATI/refresher/private/migrate"
)

func TestValidateSteps(t *testing.T) {
	t.Parallel()

	valid := &migrate.Migration{
		Table:  "version",
		Number: "1.0.0",
		Steps: []*migrate.Step{
			{Version: 0, Description: "initial", Up: []string{`CREATE TABLE x ()`}, Down: []string{`DROP TABLE x`}},
			{Version: 1, Description: "add column", Up: []string{`ALTER TABLE x ADD y int`}, Down: []string{`ALTER TABLE x DROP y`}},
		},
	}
	require.NoError(t, valid.ValidateSteps())
	require.Equal(t, 1, valid.TargetVersion())

	outOfOrder := &migrate.Migration{
		Table:  "version",
		Number: "1.0.0",
		Steps: []*migrate.Step{
			{Version: 0, Description: "initial", Up: []string{`CREATE TABLE x ()`}},
			{Version: 2, Description: "skipped one", Up: []string{`ALTER TABLE x ADD y int`}},
		},
	}
	require.Error(t, outOfOrder.ValidateSteps())

	missingUp := &migrate.Migration{
		Table:  "version",
		Number: "1.0.0",
		Steps: []*migrate.Step{
			{Version: 0, Description: "initial"},
		},
	}
	require.Error(t, missingUp.ValidateSteps())
}

func TestTargetVersion_Empty(t *testing.T) {
	t.Parallel()

	empty := &migrate.Migration{Table: "version", Number: "0.0.0"}
	require.Equal(t, -1, empty.TargetVersion())
}
