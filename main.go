// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// badgexfer sends files to a card10 badge over its file transfer link
package main

import "badgexfer/cmd"

func main() {
	cmd.Execute()
}
