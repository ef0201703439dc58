//go:build no_bloom

package main

import "github.com/samcharles93/strata/internal/model"

func bloomAdapters() []model.Adapter { return nil }
