//go:build !no_llama

package main

import (
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/model/llama"
)

func llamaAdapters() []model.Adapter { return []model.Adapter{llama.Adapter{}} }
