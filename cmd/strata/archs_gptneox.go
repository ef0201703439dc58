//go:build !no_gptneox

package main

import (
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/model/gptneox"
)

func gptneoxAdapters() []model.Adapter { return []model.Adapter{gptneox.Adapter{}} }
