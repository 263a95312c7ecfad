// Package main provides the combat server binary that loads content, restores
// the combatant roster from PostgreSQL, and runs the condition tick driver.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/combatserver"
	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/game/ability"
	"github.com/cory-johannsen/arena/internal/game/condition"
	"github.com/cory-johannsen/arena/internal/game/dice"
	"github.com/cory-johannsen/arena/internal/game/entity"
	"github.com/cory-johannsen/arena/internal/game/lock"
	"github.com/cory-johannsen/arena/internal/game/npc"
	"github.com/cory-johannsen/arena/internal/game/stats"
	"github.com/cory-johannsen/arena/internal/observability"
	"github.com/cory-johannsen/arena/internal/scripting"
	"github.com/cory-johannsen/arena/internal/server"
	"github.com/cory-johannsen/arena/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	conditionsDir := flag.String("conditions-dir", "content/conditions", "path to condition YAML definitions directory")
	abilitiesDir := flag.String("abilities-dir", "content/abilities", "path to ability YAML definitions directory")
	npcsDir := flag.String("npcs-dir", "content/npcs", "path to NPC YAML templates directory")
	zone := flag.String("zone", "arena", "zone name for the initial NPC population")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewServerLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	cryptoSrc := dice.NewCryptoSource()
	diceRoller := dice.NewLoggedRoller(cryptoSrc, logger)

	logger.Info("starting combat server", zap.String("zone", *zone))

	// Load condition definitions
	condStart := time.Now()
	condRegistry, err := condition.LoadDirectory(*conditionsDir)
	if err != nil {
		logger.Fatal("loading condition definitions", zap.Error(err))
	}
	logger.Info("loaded condition definitions",
		zap.Int("count", len(condRegistry.All())),
		zap.Duration("elapsed", time.Since(condStart)),
	)

	// Load ability definitions
	abilStart := time.Now()
	abilRegistry, err := ability.LoadDirectory(*abilitiesDir)
	if err != nil {
		logger.Fatal("loading ability definitions", zap.Error(err))
	}
	logger.Info("loaded ability definitions",
		zap.Int("count", len(abilRegistry.All())),
		zap.Duration("elapsed", time.Since(abilStart)),
	)

	// Load NPC templates
	npcTemplates, err := npc.LoadTemplates(*npcsDir)
	if err != nil {
		logger.Fatal("loading npc templates", zap.Error(err))
	}
	logger.Info("loaded npc templates", zap.Int("count", len(npcTemplates)))

	// Connect to PostgreSQL for combatant persistence
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	combatantRepo := postgres.NewCombatantRepository(pool.DB())

	// Initialise the scripting engine and load condition hook scripts.
	scriptMgr := scripting.NewManager(cfg.Scripting.InstructionLimit, logger)
	if cfg.Scripting.HookDir != "" {
		if info, statErr := os.Stat(cfg.Scripting.HookDir); statErr == nil && info.IsDir() {
			scriptStart := time.Now()
			if err := scriptMgr.Load(cfg.Scripting.HookDir); err != nil {
				logger.Fatal("loading hook scripts",
					zap.String("dir", cfg.Scripting.HookDir), zap.Error(err))
			}
			logger.Info("hook scripts loaded",
				zap.String("dir", cfg.Scripting.HookDir),
				zap.Duration("elapsed", time.Since(scriptStart)),
			)
		} else {
			logger.Warn("hook dir not found, scripted hooks disabled",
				zap.String("dir", cfg.Scripting.HookDir))
		}
	}

	// Wire the combat runtime.
	statsStore := stats.NewMemoryStore()
	lockSvc := lock.NewService(cfg.Combat.LockTimeout, logger)
	entities := entity.NewRegistry(nil)
	engine := condition.NewEngine(condRegistry, statsStore, logger,
		condition.WithHooks(scriptMgr),
		condition.WithMinTickRate(cfg.Combat.MinTickRate),
	)
	chains := ability.NewTracker(logger)
	gate := ability.NewGate(abilRegistry, chains, engine, lockSvc, statsStore, diceRoller, logger,
		ability.WithChainInterrupt(cfg.Combat.ChainInterruptOnUnrelatedCast),
	)

	// Departing players get their vitals written back to the roster.
	saveOnRemoval := func(h entity.Handle) {
		p, ok := h.Underlying().(*entity.Player)
		if !ok {
			return
		}
		err := combatantRepo.SaveVitals(ctx, p.DBID, p.Zone, p.CurrentHP,
			statsStore.Resource(p.UID(), stats.ResourceStamina),
			statsStore.Resource(p.UID(), stats.ResourceMana),
		)
		if err != nil {
			logger.Error("saving combatant vitals",
				zap.String("entity_id", h.ID()), zap.Error(err))
		}
	}

	core := combatserver.NewCore(entities, lockSvc, engine, gate, statsStore, logger,
		combatserver.WithRemovalCallback(saveOnRemoval),
	)
	core.BindScripting(scriptMgr)

	// Restore the combatant roster. Every known player resolves into the
	// registry with its persisted vitals and the full ability roster.
	rosterStart := time.Now()
	roster, err := combatantRepo.List(ctx)
	if err != nil {
		logger.Fatal("loading combatant roster", zap.Error(err))
	}
	for _, c := range roster {
		player := c.ToPlayer()
		h, ok := core.ResolveEntity(player)
		if !ok {
			logger.Warn("roster combatant did not resolve", zap.String("name", c.Name))
			continue
		}
		statsStore.SetResource(h.ID(), stats.ResourceStamina, c.Stamina)
		statsStore.SetResource(h.ID(), stats.ResourceMana, c.Mana)
		for _, def := range abilRegistry.All() {
			gate.Grant(h.ID(), def.ID)
		}
	}
	logger.Info("combatant roster restored",
		zap.Int("count", len(roster)),
		zap.Duration("elapsed", time.Since(rosterStart)),
	)

	// Spawn the initial NPC population, one instance per template.
	npcMgr := npc.NewManager()
	for _, tmpl := range npcTemplates {
		inst, err := npcMgr.Spawn(tmpl, *zone)
		if err != nil {
			logger.Fatal("spawning npc", zap.String("template", tmpl.ID), zap.Error(err))
		}
		h, ok := core.ResolveEntity(inst)
		if !ok {
			logger.Fatal("spawned npc did not resolve", zap.String("id", inst.ID))
		}
		for resource, amount := range tmpl.Resources {
			statsStore.SetResource(h.ID(), resource, amount)
		}
		for stat, coefficient := range tmpl.Scaling {
			statsStore.SetScaling(h.ID(), stat, coefficient)
		}
		for _, abilityID := range inst.Abilities {
			gate.Grant(h.ID(), abilityID)
		}
	}
	logger.Info("initial NPC population complete", zap.Int("count", npcMgr.Count()))

	ticker := combatserver.NewTicker(engine, lockSvc, cfg.Combat.TickInterval, logger)

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("ticker", ticker)

	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			for {
				time.Sleep(30 * time.Second)
				if err := pool.Health(ctx, 5*time.Second); err != nil {
					logger.Warn("database health check failed", zap.Error(err))
				}
			}
		},
		StopFn: func() {
			pool.Close()
		},
	})

	lifecycle.Add("scripting", &server.FuncService{
		StartFn: func() error {
			select {}
		},
		StopFn: func() {
			scriptMgr.Close()
		},
	})

	logger.Info("combat server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Duration("tick_interval", cfg.Combat.TickInterval),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
