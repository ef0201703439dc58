//go:build no_mpt

package main

import "github.com/samcharles93/strata/internal/model"

func mptAdapters() []model.Adapter { return nil }
