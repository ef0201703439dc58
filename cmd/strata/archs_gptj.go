//go:build !no_gptj

package main

import (
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/model/gptj"
)

func gptjAdapters() []model.Adapter { return []model.Adapter{gptj.Adapter{}} }
