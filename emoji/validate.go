////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package emoji validates the emoji strings users attach to messages as
// reactions.
package emoji

import (
	"github.com/forPelevin/gomoji"
	"github.com/pkg/errors"
)

var (
	// InvalidReaction is returned if the passed reaction string is an invalid
	// emoji.
	InvalidReaction = errors.New(
		"The reaction is not valid, it must be a single emoji")
)

// SupportedEmojis returns the list of emojis that may be used as message
// reactions.
func SupportedEmojis() []gomoji.Emoji {
	return gomoji.AllEmojis()
}

// ValidateReaction checks that the reaction is exactly one emoji with no
// other characters. Returns InvalidReaction otherwise. Reactions are
// validated before the optimistic toggle so an invalid reaction never
// mutates the store or reaches the network.
func ValidateReaction(reaction string) error {
	found := gomoji.CollectAll(reaction)
	switch {
	case len(found) < 1:
		// No emoji found
		return InvalidReaction
	case len(found) > 1:
		// More than one emoji found
		return InvalidReaction
	case found[0].Character != reaction:
		// Non-emoji characters found alongside an emoji
		return InvalidReaction
	}

	return nil
}
