////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Tests that the version string carries the current build version.
func TestVersion(t *testing.T) {
	require.True(t, strings.Contains(Version(), currentVersion))
}

// Tests that every flag initSession reads is registered on the root command.
func TestRootCmd_Flags(t *testing.T) {
	for _, name := range []string{"config", "logLevel", "log", "user",
		"nats", "db", "redis", "redisPassword", "redisDB"} {
		require.NotNil(t, rootCmd.PersistentFlags().Lookup(name),
			"missing persistent flag %q", name)
	}
	for _, name := range []string{"open", "message"} {
		require.NotNil(t, rootCmd.Flags().Lookup(name),
			"missing flag %q", name)
	}
}
