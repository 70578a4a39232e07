package action

// Handler applies inbound actions to local state. Dispatch calls exactly one
// method per action, chosen by its payload variant.
type Handler interface {
	HeroMoved(a GameAction, p HeroMove)
	EnemySpawnRequested(a GameAction, p SpawnEnemy)
	TowerBuilt(a GameAction, p BuildTower)
	TowerUpgraded(a GameAction, p UpgradeTower)
	TowerDowngraded(a GameAction, p DowngradeTower)
	TrapBuilt(a GameAction, p BuildTrap)
	BuildingSold(a GameAction, p SellBuilding)
	ResourcesSynced(a GameAction, p ResourceSync)
	UpgradesSynced(a GameAction, p UpgradeSync)
	EnemiesEliminated(a GameAction, p EnemiesKilled)
	GameStateSynced(a GameAction, p GameStateSync)
}

// NopHandler ignores every action. Embed it to handle a subset.
type NopHandler struct{}

func (NopHandler) HeroMoved(GameAction, HeroMove) {}
func (NopHandler) EnemySpawnRequested(GameAction, SpawnEnemy) {}
func (NopHandler) TowerBuilt(GameAction, BuildTower) {}
func (NopHandler) TowerUpgraded(GameAction, UpgradeTower) {}
func (NopHandler) TowerDowngraded(GameAction, DowngradeTower) {}
func (NopHandler) TrapBuilt(GameAction, BuildTrap) {}
func (NopHandler) BuildingSold(GameAction, SellBuilding) {}
func (NopHandler) ResourcesSynced(GameAction, ResourceSync) {}
func (NopHandler) UpgradesSynced(GameAction, UpgradeSync) {}
func (NopHandler) EnemiesEliminated(GameAction, EnemiesKilled) {}
func (NopHandler) GameStateSynced(GameAction, GameStateSync) {}

func (p HeroMove) dispatch(h Handler, a GameAction) { h.HeroMoved(a, p) }
func (p SpawnEnemy) dispatch(h Handler, a GameAction) { h.EnemySpawnRequested(a, p) }
func (p BuildTower) dispatch(h Handler, a GameAction) { h.TowerBuilt(a, p) }
func (p UpgradeTower) dispatch(h Handler, a GameAction) { h.TowerUpgraded(a, p) }
func (p DowngradeTower) dispatch(h Handler, a GameAction) { h.TowerDowngraded(a, p) }
func (p BuildTrap) dispatch(h Handler, a GameAction) { h.TrapBuilt(a, p) }
func (p SellBuilding) dispatch(h Handler, a GameAction) { h.BuildingSold(a, p) }
func (p ResourceSync) dispatch(h Handler, a GameAction) { h.ResourcesSynced(a, p) }
func (p UpgradeSync) dispatch(h Handler, a GameAction) { h.UpgradesSynced(a, p) }
func (p EnemiesKilled) dispatch(h Handler, a GameAction) { h.EnemiesEliminated(a, p) }
func (p GameStateSync) dispatch(h Handler, a GameAction) { h.GameStateSynced(a, p) }

// Apply calls the Handler method matching a's payload. Actions without a
// payload are ignored.
func Apply(h Handler, a GameAction) {
	if a.Data != nil {
		a.Data.dispatch(h, a)
	}
}
