//go:build no_llama

package main

import "github.com/samcharles93/strata/internal/model"

func llamaAdapters() []model.Adapter { return nil }
