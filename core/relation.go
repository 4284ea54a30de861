package core

import (
	"context"
	"fmt"

	"github.com/shrek82/tooldb/model"
)

// Related loads the records a relationship points to.
//
//   - one: the local foreign key against the foreign primary key
//   - many: the foreign records whose foreign key holds the local primary key
//   - bridge: foreign records joined to the bridge model, filtered on the
//     bridge field that references this model
func (r *Record) Related(ctx context.Context, name string) ([]*Record, error) {
	rel, ok := r.model.Relationship(name)
	if !ok {
		return nil, &QueryError{Op: "related", Model: r.model.Name, Expr: name, Err: ErrRelationNotFound}
	}
	registry := r.db.registry
	foreign, ok := registry.Open(ctx, rel.ForeignModel)
	if !ok {
		return nil, &QueryError{Op: "related", Model: r.model.Name, Expr: rel.ForeignModel, Err: ErrModelNotFound}
	}

	if rel.Type == model.RelationBridge {
		return r.bridged(ctx, rel, foreign)
	}

	path, err := relationPath(r.model, foreign, rel.Type)
	if err != nil {
		return nil, &QueryError{Op: "related", Model: r.model.Name, Expr: name, Err: ErrInvalidJoin, Cause: err}
	}
	v := r.values[path.Local.Name]
	if v == nil {
		return nil, nil
	}
	enc, err := encodeField(path.Local, v)
	if err != nil {
		return nil, err
	}
	return r.db.Model(foreign.Name).Select().Where(path.Foreign.Name+" = ?").Records(ctx, enc)
}

// relationPath prefers the direction the relationship type implies and falls
// back to whichever single foreign key links the two models.
func relationPath(local, foreign *model.Model, typ model.RelationType) (model.JoinPath, error) {
	var candidates []model.JoinPath
	switch typ {
	case model.RelationOne:
		if pk := foreign.SinglePrimaryKey(); pk != nil {
			for _, f := range local.ForeignKeys {
				if f.ForeignKey == foreign.Name {
					candidates = append(candidates, model.JoinPath{Local: f, Foreign: pk})
				}
			}
		}
	case model.RelationMany:
		if pk := local.SinglePrimaryKey(); pk != nil {
			for _, f := range foreign.ForeignKeys {
				if f.ForeignKey == local.Name {
					candidates = append(candidates, model.JoinPath{Local: pk, Foreign: f})
				}
			}
		}
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	return model.ResolveJoin(local, foreign)
}

func (r *Record) bridged(ctx context.Context, rel *model.Relationship, foreign *model.Model) ([]*Record, error) {
	bridge, ok := r.db.registry.Open(ctx, rel.BridgeModel)
	if !ok {
		return nil, &QueryError{Op: "related", Model: r.model.Name, Expr: rel.BridgeModel, Err: ErrModelNotFound}
	}
	pk := r.model.SinglePrimaryKey()
	if pk == nil {
		return nil, &QueryError{Op: "related", Model: r.model.Name, Expr: rel.Name, Err: ErrMissingPrimaryKey}
	}
	var link *model.Field
	for _, f := range bridge.ForeignKeys {
		if f.ForeignKey != r.model.Name {
			continue
		}
		if link != nil {
			return nil, &QueryError{Op: "related", Model: r.model.Name, Expr: rel.Name, Err: ErrInvalidJoin,
				Cause: fmt.Errorf("%s references %s more than once", bridge.Name, r.model.Name)}
		}
		link = f
	}
	if link == nil {
		return nil, &QueryError{Op: "related", Model: r.model.Name, Expr: rel.Name, Err: ErrInvalidJoin,
			Cause: fmt.Errorf("%s does not reference %s", bridge.Name, r.model.Name)}
	}

	v := r.values[pk.Name]
	if v == nil {
		return nil, nil
	}
	return r.db.Model(foreign.Name).Select().LeftJoin(bridge.Name).Where("l."+link.Name+" = ?").Records(ctx, v)
}
