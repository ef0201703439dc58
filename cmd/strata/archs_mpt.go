//go:build !no_mpt

package main

import (
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/model/mpt"
)

func mptAdapters() []model.Adapter { return []model.Adapter{mpt.Adapter{}} }
