//go:build !no_bloom

package main

import (
	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/internal/model/bloom"
)

func bloomAdapters() []model.Adapter { return []model.Adapter{bloom.Adapter{}} }
