//go:build no_gptneox

package main

import "github.com/samcharles93/strata/internal/model"

func gptneoxAdapters() []model.Adapter { return nil }
