//go:build db2

package main

import (
	_ "github.com/ibmdb/go_ibm_db"
)
