//go:build no_gptj

package main

import "github.com/samcharles93/strata/internal/model"

func gptjAdapters() []model.Adapter { return nil }
