/*
 * Copyright 2021. Go-Rwsplit Author All Rights Reserved.
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 */

package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServerRoleTransitions(t *testing.T) {
	s := NewServer("db1", "10.0.0.1:3306")
	assert.Equal(t, RoleUnknown, s.Role())
	assert.False(t, s.IsUsable())

	s.SetRole(RoleMaster)
	assert.True(t, s.IsMaster())
	assert.True(t, s.IsUsable())

	s.SetRole(RoleSlave)
	assert.True(t, s.IsSlave())

	s.SetRole(RoleDown)
	assert.False(t, s.IsUsable())
}

func TestServerMaintenance(t *testing.T) {
	s := NewServer("db1", "10.0.0.1:3306")
	s.SetRole(RoleSlave)
	assert.True(t, s.IsUsable())

	s.SetMaintenance(true)
	assert.False(t, s.IsUsable())
	assert.Contains(t, s.StatusString(), "Maintenance")

	s.SetMaintenance(false)
	assert.True(t, s.IsUsable())
}

func TestServerLagDefaultsUndefined(t *testing.T) {
	s := NewServer("db1", "10.0.0.1:3306")
	assert.Equal(t, LagUndefined, s.Lag())

	s.SetLag(3 * time.Second)
	assert.Equal(t, 3*time.Second, s.Lag())
}

func TestServerQueryCounter(t *testing.T) {
	s := NewServer("db1", "10.0.0.1:3306")
	s.AddQuery()
	s.AddQuery()
	assert.EqualValues(t, 2, s.QueryCount())
}
