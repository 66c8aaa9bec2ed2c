//go:build cgo

package main

import (
	_ "github.com/godror/godror"
)
