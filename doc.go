/*
Package portlease documents the portlease module.

This module is CLI-first and ships the portlease command:

	go install github.com/tunnelward/portlease/cmd/portlease@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package portlease
