//go:build no_gpt2

package main

import "github.com/samcharles93/strata/internal/model"

func gpt2Adapters() []model.Adapter { return nil }
