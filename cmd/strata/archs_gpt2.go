//go:build !no_gpt2

package main

import (
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/model/gpt2"
)

func gpt2Adapters() []model.Adapter { return []model.Adapter{gpt2.Adapter{}} }
